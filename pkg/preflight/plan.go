package preflight

// Plan selects the checks Validator.Run performs.
type Plan struct {
	SourceAccessible bool
	TargetAccessible bool
	RsyncAvailable   bool
	PathNesting      bool

	RsyncPath string

	// Global Flags
	DryRun bool
}
