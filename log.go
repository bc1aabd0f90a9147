// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal logging surface the loader needs. It mirrors
// the teacher's Options.Logger seam: callers may pass in whatever
// structured logger their program already uses, and the loader will
// never know the difference.
type Logger interface {
	Debug(msg string, kv map[string]interface{})
	Warn(msg string, kv map[string]interface{})
	Error(msg string, kv map[string]interface{})
}

// zlogger adapts zerolog.Logger to Logger. It is the default backend
// when no caller-supplied Logger is given, the same way File.logger
// defaults to a stdout logger filtered at LevelError.
type zlogger struct {
	l zerolog.Logger
}

// NewLogger builds the default logger, writing structured lines to w.
func NewLogger(w io.Writer) Logger {
	return &zlogger{l: zerolog.New(w).With().Timestamp().Logger()}
}

func defaultLogger() Logger {
	return NewLogger(os.Stderr)
}

func (z *zlogger) Debug(msg string, kv map[string]interface{}) {
	e := z.l.Debug()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z *zlogger) Warn(msg string, kv map[string]interface{}) {
	e := z.l.Warn()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z *zlogger) Error(msg string, kv map[string]interface{}) {
	e := z.l.Error()
	for k, v := range kv {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// noopLogger discards everything; used by tests that don't care about
// log output.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]interface{}) {}
func (noopLogger) Warn(string, map[string]interface{})  {}
func (noopLogger) Error(string, map[string]interface{}) {}
