package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/PinQiH/speech-to-text/internal/pipeline"
	"github.com/PinQiH/speech-to-text/internal/service"
	"github.com/PinQiH/speech-to-text/internal/task"
)

func (h *handler) process(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "file too large"})
			return
		}
		badRequest(c, "file is required")
		return
	}
	userID := c.PostForm("user_id")
	if userID == "" {
		badRequest(c, "user_id is required")
		return
	}
	numSpeakers, err := optionalInt(c.PostForm("num_speakers"))
	if err != nil || numSpeakers < 0 {
		badRequest(c, "num_speakers must be a non-negative integer")
		return
	}

	f, err := fh.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer f.Close()

	id, err := h.svc.Submit(c.Request.Context(), service.Upload{
		Filename: fh.Filename,
		Body:     f,
		OwnerID:  userID,
		Username: c.PostForm("username"),
	}, pipeline.Credentials{
		APIKey:      c.PostForm("api_key"),
		HFToken:     c.PostForm("hf_token"),
		NumSpeakers: numSpeakers,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "message": "Processing started in background"})
}

func (h *handler) listTasks(c *gin.Context) {
	q := task.ListQuery{OwnerID: c.Query("user_id")}

	var err error
	if v := c.Query("is_admin"); v != "" {
		if q.IncludeOthers, err = strconv.ParseBool(v); err != nil {
			badRequest(c, "is_admin must be a boolean")
			return
		}
	}
	if q.Skip, err = optionalInt(c.Query("skip")); err != nil || q.Skip < 0 {
		badRequest(c, "skip must be a non-negative integer")
		return
	}
	if q.Limit, err = optionalInt(c.Query("limit")); err != nil || q.Limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return
	}
	if q.OwnerID == "" && !q.IncludeOthers {
		badRequest(c, "user_id is required")
		return
	}

	tasks, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *handler) getTask(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *handler) updateTask(c *gin.Context) {
	var p service.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	t, err := h.svc.Update(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task updated successfully", "task": t})
}

type retryRequest struct {
	APIKey      string `json:"api_key"`
	HFToken     string `json:"hf_token"`
	NumSpeakers int    `json:"num_speakers"`
}

func (h *handler) retryTask(c *gin.Context) {
	var req retryRequest
	// An empty body retries with the configured defaults.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid JSON body")
		return
	}
	if req.NumSpeakers < 0 {
		badRequest(c, "num_speakers must be a non-negative integer")
		return
	}

	err := h.svc.Retry(c.Request.Context(), c.Param("id"), pipeline.Credentials{
		APIKey:      req.APIKey,
		HFToken:     req.HFToken,
		NumSpeakers: req.NumSpeakers,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task retry started"})
}

func (h *handler) serveMedia(c *gin.Context) {
	path, err := h.media.Path(c.Param("ref"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	c.File(path)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
