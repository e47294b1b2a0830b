// Package logx is a small chainable logging idiom over logrus, modeled on
// the Entry/Check pattern used across the daemon's ancestor toolkit: build
// an entry, attach fields and an optional error, then Log or Check it
// against a "do not log below this" floor level.
package logx

import (
	"github.com/sirupsen/logrus"
)

type Level uint8

const (
	NilLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) logrus() logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel
	}
}

var std = logrus.New()

// SetOutput lets the caller point every entry created through this package
// at a given logrus logger (the daemon has exactly one; tests swap it out).
func SetOutput(l *logrus.Logger) {
	if l != nil {
		std = l
	}
}

type Entry struct {
	lvl    Level
	msg    string
	fields logrus.Fields
	err    error
}

// New starts a log entry at the given level with the given message.
func New(lvl Level, msg string) *Entry {
	return &Entry{lvl: lvl, msg: msg, fields: logrus.Fields{}}
}

func (e *Entry) Field(key string, val interface{}) *Entry {
	if e == nil {
		return nil
	}
	e.fields[key] = val
	return e
}

// ErrorAdd attaches err to the entry when non-nil. The add flag mirrors
// the ancestor idiom where callers pass a static bool guarding whether the
// error is even relevant to this log line.
func (e *Entry) ErrorAdd(add bool, err error) *Entry {
	if e == nil || !add || err == nil {
		return e
	}
	e.err = err
	return e
}

// Check logs the entry unless its level is below floor, in which case it
// is silently discarded. Passing NilLevel as floor always logs.
func (e *Entry) Check(floor Level) {
	if e == nil {
		return
	}
	if floor != NilLevel && e.lvl < floor {
		return
	}
	e.Log()
}

func (e *Entry) Log() {
	if e == nil || e.lvl == NilLevel {
		return
	}

	f := e.fields
	if e.err != nil {
		f = logrus.Fields{}
		for k, v := range e.fields {
			f[k] = v
		}
		f["error"] = e.err.Error()
	}

	std.WithFields(f).Log(e.lvl.logrus(), e.msg)
}
