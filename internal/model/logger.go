package model

import "log"

// Logger is the minimal logging interface consumed throughout this
// module: a small leveled interface plus a stdlib-log-backed default, so
// callers can plug in whatever logging stack they already run.
type Logger interface {
	Debug(msg string)
	Debugf(format string, v ...interface{})
	Info(msg string)
	Infof(format string, v ...interface{})
	Warn(msg string)
	Warnf(format string, v ...interface{})
	Error(msg string)
	Errorf(format string, v ...interface{})
}

// DefaultLogger is a [Logger] backed by the standard library's log package.
type DefaultLogger struct{}

var _ Logger = DefaultLogger{}

func (DefaultLogger) Debug(msg string)                       { log.Print("[debug] " + msg) }
func (DefaultLogger) Debugf(format string, v ...interface{}) { log.Printf("[debug] "+format, v...) }
func (DefaultLogger) Info(msg string)                        { log.Print("[info] " + msg) }
func (DefaultLogger) Infof(format string, v ...interface{})  { log.Printf("[info] "+format, v...) }
func (DefaultLogger) Warn(msg string)                        { log.Print("[warn] " + msg) }
func (DefaultLogger) Warnf(format string, v ...interface{})  { log.Printf("[warn] "+format, v...) }
func (DefaultLogger) Error(msg string)                       { log.Print("[error] " + msg) }
func (DefaultLogger) Errorf(format string, v ...interface{}) { log.Printf("[error] "+format, v...) }

// noopLogger discards everything. Useful as a zero-value-safe fallback.
type noopLogger struct{}

var _ Logger = noopLogger{}

func (noopLogger) Debug(string)                  {}
func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Info(string)                   {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warn(string)                   {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Error(string)                  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() Logger { return noopLogger{} }
