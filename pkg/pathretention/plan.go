package pathretention

// Plan describes one retention pass over a target root.
type Plan struct {
	Enabled bool
	// Root is the target root as a path on the transport the pass runs with.
	Root   string
	Policy Policy

	DryRun bool
}
