// Package ulog centralizes the "[LEVEL] message" logging convention used
// throughout this tool, matching the original Python tool's trivial
// _log(level, msg) helper and the teacher's plain log.Printf style
// (internal/packer/packer.go, internal/gok/update.go).
package ulog

import "log"

func init() {
	log.SetFlags(0)
}

// Info logs an [INFO]-tagged message.
func Info(format string, args ...any) {
	log.Printf("[INFO] "+format, args...)
}

// Warn logs a [WARN]-tagged message.
func Warn(format string, args ...any) {
	log.Printf("[WARN] "+format, args...)
}

// Error logs an [ERROR]-tagged message.
func Error(format string, args ...any) {
	log.Printf("[ERROR] "+format, args...)
}
