// Package util provides logging and traffic statistics shared by the relay
// and the client.
package util

import (
	"fmt"
	"io"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging helpers on pterm's default logger. Tunnel-scoped messages
// start with the tunnel id as "[%08x]".

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

// LogSuccess is an Info entry rendered with pterm's success prefix when the
// logger writes text.
func LogSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if pterm.DefaultLogger.Formatter == pterm.LogFormatterJSON {
		pterm.DefaultLogger.Info(msg)
		return
	}
	pterm.Success.Println(msg)
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// EnableJSON switches the logger to one JSON object per line, for relays
// running under a service manager.
func EnableJSON() {
	pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
}

// SetLogOutput redirects log output.
func SetLogOutput(w io.Writer) {
	pterm.DefaultLogger.Writer = w
}
