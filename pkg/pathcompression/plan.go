package pathcompression

// Plan describes the export of one snapshot into an archive file.
type Plan struct {
	// Snapshot is a snapshot name or "current" for the latest one.
	Snapshot    string
	ArchivePath string
	Format      Format
	Level       Level

	DryRun bool
}
