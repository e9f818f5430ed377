// Package pathsync runs one backup cycle against a target root: rsync the
// source into the staging directory, promote it to a timestamped snapshot and
// point "current" at it.
package pathsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/snapshot"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// linkDest is the previous snapshot as seen from the staging directory. rsync
// resolves a relative --link-dest against the destination, and incomplete and
// current are siblings, so this holds for relative remote roots too.
const linkDest = "../" + snapshot.Current

// PathSyncer orchestrates a backup cycle.
type PathSyncer struct {
	rsync  Runner
	logger *slog.Logger
}

// NewPathSyncer creates a PathSyncer that uses rsync for the transfer.
func NewPathSyncer(rsync Runner, logger *slog.Logger) *PathSyncer {
	return &PathSyncer{rsync: rsync, logger: plog.OrDefault(logger)}
}

// Sync performs one cycle and returns the snapshot it promoted. now names the
// snapshot.
//
// A failed rsync returns its *SyncToolError and leaves the target untouched
// apart from the staging directory. Transport failures abort immediately.
// Nothing is retried.
func (s *PathSyncer) Sync(ctx context.Context, tr transport.Transport, p *Plan, now time.Time) (snapshot.Snapshot, error) {
	select {
	case <-ctx.Done():
		return snapshot.Snapshot{}, ctx.Err()
	default:
	}

	root := p.Target.Path
	excludePath := tr.Join(root, snapshot.Exclude)
	incompletePath := tr.Join(root, snapshot.Incomplete)
	currentPath := tr.Join(root, snapshot.Current)

	// 1. + 2. Exclusion list, materialized locally for rsync.
	localExclude, cleanup, err := s.prepareExcludeFile(ctx, tr, excludePath, p.DryRun)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	defer cleanup()

	// 3. Transfer into the staging directory.
	leftover, err := tr.Exists(ctx, incompletePath)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if leftover {
		s.logger.Warn("Found staging directory from an earlier failed run, rsync will resume into it", "path", incompletePath)
	}

	hasCurrent, err := tr.Exists(ctx, currentPath)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	inv := Invocation{
		Source:      p.Source.String(),
		Dest:        p.Target.Join(snapshot.Incomplete).String(),
		ExcludeFrom: localExclude,
		DryRun:      p.DryRun,
	}
	if hasCurrent {
		inv.LinkDest = linkDest
	} else {
		s.logger.Info("No current snapshot, this backup will be a full copy")
	}
	if err := s.rsync.Run(ctx, inv); err != nil {
		return snapshot.Snapshot{}, err
	}

	// 4. Promote.
	snap := snapshot.New(now)
	snapPath := snap.Path(root, tr.Join)
	if p.DryRun {
		s.logger.Info("[DRY RUN] Would promote staging directory", "from", incompletePath, "to", snapPath)
		s.logger.Info("[DRY RUN] Would point current at new snapshot", "snapshot", snap.Name)
		return snap, nil
	}
	taken, err := tr.Exists(ctx, snapPath)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if taken {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot %s already exists, refusing to overwrite it", snapPath)
	}
	if err := tr.Rename(ctx, incompletePath, snapPath); err != nil {
		return snapshot.Snapshot{}, err
	}

	// 5. Repoint current. This is remove-then-create, not an atomic swap.
	if hasCurrent {
		if err := tr.RemoveFile(ctx, currentPath); err != nil {
			return snap, err
		}
	}
	if err := tr.Symlink(ctx, snapPath, currentPath, root); err != nil {
		return snap, err
	}

	s.logger.Info("Backup promoted", "snapshot", snap.Name)
	return snap, nil
}

// prepareExcludeFile ensures the exclusion list exists on the target and returns
// a local copy. In dry-run mode a missing list is not created; an empty local
// file stands in for it.
func (s *PathSyncer) prepareExcludeFile(ctx context.Context, tr transport.Transport, excludePath string, dryRun bool) (string, func(), error) {
	noop := func() {}
	if dryRun {
		exists, err := tr.Exists(ctx, excludePath)
		if err != nil {
			return "", noop, err
		}
		if !exists {
			s.logger.Info("[DRY RUN] Would create empty exclusion list", "path", excludePath)
			f, err := os.CreateTemp("", "tm-backup-exclude-*")
			if err != nil {
				return "", noop, fmt.Errorf("could not create temporary exclusion list: %w", err)
			}
			f.Close()
			return f.Name(), func() { os.Remove(f.Name()) }, nil
		}
	} else if err := tr.EnsureMarker(ctx, excludePath); err != nil {
		return "", noop, err
	}

	localExclude, err := tr.CopyToLocalTemp(ctx, excludePath)
	if err != nil {
		return "", noop, err
	}
	return localExclude, noop, nil
}
