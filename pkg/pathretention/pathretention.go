// Package pathretention thins the snapshots under a target root.
//
// Snapshots younger than a day are all kept. Between one day and a month one
// snapshot per day survives, beyond that one per ISO week. The most recent
// snapshot is never touched, whatever its age.
package pathretention

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/pathretentionmetrics"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/snapshot"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// Result reports what a Prune pass saw and removed.
type Result struct {
	Scanned []snapshot.Snapshot
	// Purged holds the snapshots removed, or in dry-run mode the ones that
	// would have been.
	Purged []snapshot.Snapshot
}

// progressInterval is how often a running prune logs its counters.
var progressInterval = 10 * time.Second

// PathRetainer applies the retention policy to a target root.
type PathRetainer struct {
	logger *slog.Logger
}

// NewPathRetainer creates a PathRetainer. A nil logger uses plog.Default.
func NewPathRetainer(logger *slog.Logger) *PathRetainer {
	return &PathRetainer{logger: plog.OrDefault(logger)}
}

// Scan lists the snapshots under root, oldest first. An entry carrying the
// snapshot prefix whose name does not parse fails the whole scan with a
// *snapshot.ParseError.
func Scan(ctx context.Context, tr transport.Transport, root string) ([]snapshot.Snapshot, error) {
	paths, err := tr.ListMatching(ctx, root, snapshot.NamePattern)
	if err != nil {
		return nil, err
	}
	snaps := make([]snapshot.Snapshot, 0, len(paths))
	for _, p := range paths {
		// filepath.Base also splits on '/', which covers remote paths.
		s, err := snapshot.FromName(filepath.Base(p))
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, s)
	}
	snapshot.Sort(snaps)
	return snaps, nil
}

// Prune scans the root, computes the purge set and removes it oldest first.
// The first failed removal stops the pass; Result then lists what was
// removed before it.
func (r *PathRetainer) Prune(ctx context.Context, tr transport.Transport, p *Plan, now time.Time) (Result, error) {
	var res Result
	if !p.Enabled {
		r.logger.Debug("Retention is disabled, skipping")
		return res, nil
	}

	snaps, err := Scan(ctx, tr, p.Root)
	if err != nil {
		return res, fmt.Errorf("failed to scan snapshots: %w", err)
	}
	res.Scanned = snaps

	purge := PurgeSet(snaps, now, p.Policy)
	if len(purge) == 0 {
		r.logger.Debug("No snapshots need deletion", "scanned", len(snaps))
		return res, nil
	}
	r.logger.Info("Deleting outdated snapshots", "count", len(purge), "scanned", len(snaps))

	var metrics pathretentionmetrics.Metrics = &pathretentionmetrics.NoopMetrics{}
	if !p.DryRun {
		metrics = pathretentionmetrics.NewRetentionMetrics(len(purge), r.logger)
	}
	metrics.StartProgress("Retention progress", progressInterval)
	defer func() {
		metrics.StopProgress()
		metrics.LogSummary("Retention finished")
	}()

	for _, s := range purge {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}
		snapPath := s.Path(p.Root, tr.Join)
		if p.DryRun {
			r.logger.Log(ctx, plog.LevelNotice, "[DRY RUN] DELETE", "path", snapPath)
			res.Purged = append(res.Purged, s)
			continue
		}
		if err := tr.RemoveTree(ctx, snapPath); err != nil {
			metrics.AddSnapshotsFailed(1)
			return res, fmt.Errorf("failed to delete snapshot %s: %w", s.Name, err)
		}
		metrics.AddSnapshotsDeleted(1)
		res.Purged = append(res.Purged, s)
	}
	return res, nil
}
