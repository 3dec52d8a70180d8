// Package logging constructs the single zerolog.Logger every component
// threads through its constructor, and the sub-logger conventions the rest
// of the repo follows: one "component" field per package, and never a raw
// credential or password in a log line.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the base logger. In non-production environments it uses
// zerolog's human-readable console writer; in production it emits newline
// JSON, which is what a log aggregator expects.
func New(nodeEnv string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	if nodeEnv == "production" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// Component returns a sub-logger namespaced for one component, per the
// structured logging field policy in the error handling design.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// CredentialPrefix truncates a credential to a short, log-safe prefix. Full
// credentials are never logged.
func CredentialPrefix(credential string) string {
	if len(credential) <= 6 {
		return credential
	}
	return credential[:6] + "…"
}
