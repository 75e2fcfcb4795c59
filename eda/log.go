package eda

import (
	"github.com/golang/glog"
)

// Logging convention in the `eda` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal
//     operation, with the exception of one time (infrequent) initialization data
//     this includes:
//     - authentication and discovery failures
//     - reconnects and subscription handshake errors
// Warning:
//     degraded but recoverable operation, e.g. cache write failures
// Error:
//     unrecoverable crash details
// Debug:
//     key events for trace debugging
//     this includes:
//     - per-frame receive/dispatch, dropped frames, keep-alives

// Logger is the single logging port. Components hold a Logger and never write
// to a concrete sink themselves.
type Logger interface {
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
	Debugf(format string, args ...any)
}

type glogLogger struct{}

// NewGlogLogger returns the default Logger backed by glog.
// Debugf maps to glog verbosity 2.
func NewGlogLogger() Logger {
	return &glogLogger{}
}

func (self *glogLogger) Infof(format string, args ...any) {
	glog.Infof(format, args...)
}

func (self *glogLogger) Warningf(format string, args ...any) {
	glog.Warningf(format, args...)
}

func (self *glogLogger) Errorf(format string, args ...any) {
	glog.Errorf(format, args...)
}

func (self *glogLogger) Debugf(format string, args ...any) {
	glog.V(2).Infof(format, args...)
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything. Used in tests.
func NewNopLogger() Logger {
	return &nopLogger{}
}

func (self *nopLogger) Infof(format string, args ...any)    {}
func (self *nopLogger) Warningf(format string, args ...any) {}
func (self *nopLogger) Errorf(format string, args ...any)   {}
func (self *nopLogger) Debugf(format string, args ...any)   {}
