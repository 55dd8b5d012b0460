package main

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

// DownFlags holds flags for the down command.
type DownFlags struct {
	Force bool
}

// LogFlags holds flags for the log command.
type LogFlags struct {
	Lines int
}

// RunFlags holds flags for the run command. Zero values mean "use the
// configured default"; Temperature uses -1 as its unset sentinel since
// 0 is a meaningful temperature.
type RunFlags struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	Stream       bool
}

// HealthFlags holds flags for the health command.
type HealthFlags struct {
	Model string
}
