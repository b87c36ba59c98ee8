package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

type Config struct {
	DSN          string
	Environment  string
	Release      string
	FlushTimeout time.Duration

	beforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Init configures the process-wide Sentry client. The returned func flushes
// buffered events and must run before the process exits.
func Init(cfg Config) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend:       cfg.beforeSend,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}

	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func() { sentry.Flush(timeout) }, nil
}

// SessionFailure reports a session authority that stopped on an error.
func SessionFailure(sessionID string, err error) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", sessionID)
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureException(err)
	})
}
