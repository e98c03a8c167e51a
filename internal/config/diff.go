package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs. Only the
// hot-reloadable fields carry new values; everything else is summarised in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TimeoutChanged bool
	NewTimeout     time.Duration

	GlossaryChanged bool
	NewGlossary     []string

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// HasChanges reports whether anything hot-reloadable changed.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.TimeoutChanged || d.GlossaryChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Pipeline.Timeout != new.Pipeline.Timeout {
		d.TimeoutChanged = true
		d.NewTimeout = new.Pipeline.Timeout
	}
	if !slices.Equal(old.Correction.Glossary, new.Correction.Glossary) {
		d.GlossaryChanged = true
		d.NewGlossary = slices.Clone(new.Correction.Glossary)
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Pipeline.WatchdogInterval != new.Pipeline.WatchdogInterval ||
		old.Pipeline.Language != new.Pipeline.Language {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}
