// Package logging sets up the shared charmbracelet/log logger used
// throughout this module, mirroring the per-component prefix pattern
// client2/arq.go uses ("_ARQ_").
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

var base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05",
})

// New returns a logger for component, prefixed consistently.
func New(component string) *log.Logger {
	return base.WithPrefix(component)
}

// SetLevel adjusts the shared logger's minimum level.
func SetLevel(level log.Level) {
	base.SetLevel(level)
}
