package hook

// Plan holds the shell commands that wrap one backup run.
type Plan struct {
	Enabled bool

	PreHookCommands  []string
	PostHookCommands []string

	// Global Flags
	DryRun bool
}
