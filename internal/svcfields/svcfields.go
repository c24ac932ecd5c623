// Package svcfields holds the structured logging keys shared across
// harmonyd subsystems.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// SessionKey tags entries with the tuning session name.
	SessionKey = pslog.TrustedString("session")
	// ClientKey tags entries with the protocol client id.
	ClientKey = pslog.TrustedString("client")
	// ConnKey tags entries with the mux connection id.
	ConnKey = pslog.TrustedString("conn")
	// RoundKey tags code generation entries with the round id.
	RoundKey = pslog.TrustedString("round")
)

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithSession attaches the session name.
func WithSession(logger pslog.Logger, session string) pslog.Logger {
	return Ensure(logger).With(SessionKey, session)
}

// Ensure returns logger, or a no-op logger when nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
