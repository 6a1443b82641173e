// Package logrus adapts a logrus entry to the engine log.Logger interface.
package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/harrison/seqbench/internal/log"
)

type logger struct {
	*logrus.Entry
}

// NewLogrus returns a new log.Logger backed by a logrus entry.
func NewLogrus(l *logrus.Entry) log.Logger {
	return logger{Entry: l}
}

func (l logger) WithValues(kv log.Kv) log.Logger {
	newLogger := l.Entry.WithFields(kv)
	return NewLogrus(newLogger)
}
