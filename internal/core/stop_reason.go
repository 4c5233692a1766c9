package core

// StopReason tags a shutdown with what triggered it, so the closing
// log lines can be read without the surrounding context.
type StopReason string

const (
	// StopSIGTERM is a clean operator- or systemd-initiated shutdown.
	StopSIGTERM StopReason = "sigterm"
	// StopFatalError means the supervisor cancelled the run after a
	// component failed.
	StopFatalError StopReason = "fatal_error"
	// StopPluginDisable stops a single plugin after a config reload
	// disabled it; the app keeps running.
	StopPluginDisable StopReason = "plugin_disable"
)
