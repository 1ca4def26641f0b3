package app

import (
	"log/slog"
	"os"
	"time"
)

// deadline is the process-wide timer of the global timeout. exit is a seam
// for tests; production uses os.Exit.
type deadline struct {
	timer *time.Timer
}

func armDeadline(d time.Duration, logger *slog.Logger) *deadline {
	return armDeadlineFunc(d, logger, os.Exit)
}

func armDeadlineFunc(d time.Duration, logger *slog.Logger, exit func(int)) *deadline {
	t := time.AfterFunc(d, func() {
		logger.Error("global timeout exceeded, terminating", "timeout", d)
		exit(ExitTimeout)
	})
	return &deadline{timer: t}
}

func (d *deadline) disarm() {
	if d != nil && d.timer != nil {
		d.timer.Stop()
	}
}
