// Package monitoring holds the process-wide logger and the progress
// reporter used by the fitting pipeline.
package monitoring

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// Logger is the package-level logger. Tests or embedding programs may
// redirect or mute it with SetOutput and SetVerbose.
var Logger = newLogger()

func newLogger() *log.Logger {
	l := log.New()
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	l.SetLevel(log.InfoLevel)
	return l
}

// SetOutput redirects log output. Passing nil discards it.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	Logger.SetOutput(w)
}

// SetVerbose switches between debug and info level
func SetVerbose(verbose bool) {
	if verbose {
		Logger.SetLevel(log.DebugLevel)
		return
	}
	Logger.SetLevel(log.InfoLevel)
}

// WithComponent returns an entry tagged with the emitting component
func WithComponent(name string) *log.Entry {
	return Logger.WithField("component", name)
}

// ProgressCallback reports progress of a long running pass.
// completed and total count work items; message is informational and may
// be empty.
type ProgressCallback func(completed, total int, message string)

// LogProgress returns a ProgressCallback that logs through entry, adding
// elapsed and estimated remaining time relative to start.
func LogProgress(entry *log.Entry, start time.Time) ProgressCallback {
	return func(completed, total int, message string) {
		if total <= 0 {
			if message != "" {
				entry.Info(message)
			}
			return
		}

		fields := log.Fields{
			"completed": completed,
			"total":     total,
			"percent":   float64(completed) / float64(total) * 100,
		}
		if completed > 0 && !start.IsZero() {
			elapsed := time.Since(start)
			fields["elapsed"] = elapsed.Round(time.Millisecond).String()
			if completed < total {
				perUnit := elapsed / time.Duration(completed)
				fields["remaining"] = (perUnit * time.Duration(total-completed)).Round(time.Second).String()
			}
		}
		e := entry.WithFields(fields)
		if message != "" {
			e.Info(message)
			return
		}
		e.Debug("progress")
	}
}
