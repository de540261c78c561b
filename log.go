package clitest

import (
	"os"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var pkgLogger atomic.Pointer[log.Logger]

func init() {
	pkgLogger.Store(log.NewWithOptions(os.Stderr, log.Options{
		Prefix: "clitest",
		Level:  log.WarnLevel,
	}))
}

// SetLogger replaces the logger used by commands without WithLogger.
func SetLogger(logger *log.Logger) {
	if logger != nil {
		pkgLogger.Store(logger)
	}
}

func defaultLogger() *log.Logger {
	return pkgLogger.Load()
}
