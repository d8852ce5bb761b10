// Package audit writes the append-only trail of payment callback
// events. The file is write-only for the running process; it exists for
// forensic replay after the fact.
package audit

import (
	"io"
	"net/url"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	log    *logrus.Logger
	closer io.Closer
}

// Open appends JSON lines to path. An empty path discards events.
func Open(path string) (*Logger, error) {
	if path == "" {
		return NewWriter(io.Discard), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	a := NewWriter(f)
	a.closer = f
	return a, nil
}

func NewWriter(w io.Writer) *Logger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	return &Logger{log: log}
}

// Event records one callback verdict with the raw payload.
func (a *Logger) Event(outcome, reason string, payload url.Values) {
	a.log.WithFields(logrus.Fields{
		"outcome": outcome,
		"reason":  reason,
		"payload": payload.Encode(),
	}).Info("payment_callback")
}

func (a *Logger) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
