// Package monitoring holds the process-wide diagnostic logger and the
// acquisition throughput counters reported while a session runs.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be replaced by SetLogger to redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Component returns a logger that tags each line with "[name] " and always
// writes through the current Logf, so a later SetLogger still applies.
func Component(name string) func(format string, v ...interface{}) {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
