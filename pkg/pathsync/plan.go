package pathsync

import "github.com/paulschiretz/tm-backup/pkg/endpoint"

// Plan describes one backup cycle.
type Plan struct {
	Source endpoint.Endpoint
	// Target is the target root. The transport passed to Sync must be bound
	// to its host.
	Target endpoint.Endpoint

	// Global Flags
	DryRun bool
}
