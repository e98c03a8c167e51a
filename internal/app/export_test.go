package app

import "time"

func (a *App) WatchdogTimeout() time.Duration { return a.watchdog.Timeout() }

func (a *App) GlossaryTerms() []string { return a.glossary.Terms() }
