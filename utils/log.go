package utils

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	logger = log.New(os.Stdout, "", log.LstdFlags)
	debug  atomic.Bool
)

// SetLogOutput redirects progress and debug lines.
func SetLogOutput(w io.Writer) { logger.SetOutput(w) }

// SetDebug toggles Debugf output.
func SetDebug(on bool) { debug.Store(on) }

func DebugEnabled() bool { return debug.Load() }

// Logf prints a progress line.
func Logf(format string, args ...any) {
	logger.Printf(format, args...)
}

// Debugf prints only when debug output is enabled.
func Debugf(format string, args ...any) {
	if debug.Load() {
		logger.Printf("[debug] "+format, args...)
	}
}
