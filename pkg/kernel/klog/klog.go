// Package klog centralizes the zerolog field conventions shared by every
// kernel package (kernel spec §6.6): dialog_id, root_id, course, genseq.
// It replaces bitop-dev-agent's ad hoc fmt.Printf/log.Printf calls with
// structured logging everywhere in the kernel.
package klog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

// Base returns the process-wide base logger, initialized lazily on first
// use so packages never need an explicit Init call to get a usable logger.
func Base() zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	})
	return base
}

// SetBase overrides the base logger, normally called once by cmd/kerneld
// at startup to install a JSON sink instead of the console default.
func SetBase(l zerolog.Logger) {
	once.Do(func() {})
	base = l
}

// Dialog returns a logger annotated with a dialog's identity.
func Dialog(rootID, dialogID string) zerolog.Logger {
	return Base().With().Str("root_id", rootID).Str("dialog_id", dialogID).Logger()
}

// Course returns a logger annotated with a dialog's identity plus the
// course/genseq of the generation in flight.
func Course(rootID, dialogID string, course, genseq int) zerolog.Logger {
	return Base().With().
		Str("root_id", rootID).
		Str("dialog_id", dialogID).
		Int("course", course).
		Int("genseq", genseq).
		Logger()
}
