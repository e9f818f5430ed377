package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/hints"
	"github.com/paulschiretz/tm-backup/pkg/hook"
	"github.com/paulschiretz/tm-backup/pkg/lockfile"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/pathretention"
	"github.com/paulschiretz/tm-backup/pkg/pathsync"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/preflight"
	"github.com/paulschiretz/tm-backup/pkg/snapshot"
	"github.com/paulschiretz/tm-backup/pkg/transport"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// --- ARCHITECTURAL OVERVIEW ---
//
// A backup run is strictly sequential and works on one transport bound to the
// host of the target root:
//
//   open transport -> preflight -> lock -> pre hooks -> sync -> retention
//
// Post hooks are deferred and run whatever the outcome. A failed sync skips
// retention, so a broken run never thins the history it could not extend.
// Nothing is retried; the first error ends the run.

// ErrNoSnapshots is returned by ExecuteExport when "current" is requested from
// an empty target root.
var ErrNoSnapshots = errors.New("no snapshots found")

// CurrentSnapshot selects the latest snapshot for an export.
const CurrentSnapshot = snapshot.Current

type Validator interface {
	Run(ctx context.Context, tr transport.Transport, source, target endpoint.Endpoint, p *preflight.Plan) error
}

type TransportOpener interface {
	Open(ctx context.Context, ep endpoint.Endpoint) (transport.Transport, error)
}

type Syncer interface {
	Sync(ctx context.Context, tr transport.Transport, p *pathsync.Plan, now time.Time) (snapshot.Snapshot, error)
}

type Retainer interface {
	Prune(ctx context.Context, tr transport.Transport, p *pathretention.Plan, now time.Time) (pathretention.Result, error)
}

type HookRunner interface {
	RunPreHook(ctx context.Context, hookName string, p *hook.Plan) error
	RunPostHook(ctx context.Context, hookName string, p *hook.Plan) error
}

type Compressor interface {
	Compress(ctx context.Context, absSourceDir, absArchiveFilePath string, format pathcompression.Format, level pathcompression.Level) error
}

// Runner wires the leaf workers of one command. Workers a command does not
// use may be nil.
type Runner struct {
	validator  Validator
	opener     TransportOpener
	syncer     Syncer
	retainer   Retainer
	hooks      HookRunner
	compressor Compressor

	// now allows pinning the clock in tests.
	now func() time.Time
}

func NewRunner(v Validator, o TransportOpener, s Syncer, r Retainer, h HookRunner, c Compressor) *Runner {
	return &Runner{
		validator:  v,
		opener:     o,
		syncer:     s,
		retainer:   r,
		hooks:      h,
		compressor: c,
		now:        time.Now,
	}
}

// WithClock replaces the clock the runner reads the run timestamp from.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func (r *Runner) ExecuteBackup(ctx context.Context, p *planner.BackupPlan) error {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// save the execution timestamp
	now := r.now()

	tr, err := r.opener.Open(ctx, p.Target)
	if err != nil {
		return err
	}
	defer closeTransport(tr)

	// Run Preflight Validation
	if err := r.validator.Run(ctx, tr, p.Source, p.Target, p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	// Acquire Lock on Target Root.
	releaseLock, err := r.acquireTargetLock(ctx, tr, p.Target)
	if err != nil {
		return err // A real error occurred during lock acquisition.
	}
	if releaseLock == nil {
		return nil // Lock was already held, exit gracefully.
	}
	defer releaseLock()

	// --- Pre-Backup Hooks ---
	if err := r.hooks.RunPreHook(ctx, "backup", p.Hooks); err != nil && !hints.IsHint(err) {
		// All pre-backup hook errors are fatal.
		errMsg := "pre-backup hook failed"
		if errors.Is(err, context.Canceled) {
			errMsg = "pre-backup hook canceled"
		}
		return fmt.Errorf("%s: %w", errMsg, err)
	}

	// --- Post-Backup Hooks (deferred) ---
	// These will run at the end of the function, even if the backup fails.
	defer func() {
		if err := r.hooks.RunPostHook(ctx, "backup", p.Hooks); err != nil && !hints.IsHint(err) {
			if errors.Is(err, context.Canceled) {
				plog.Info("post-backup hooks skipped due to cancellation.")
			} else {
				plog.Warn("post-backup hook failed", "error", err)
			}
		}
	}()

	plog.Info("Starting backup", "source", p.Source.String(), "target", p.Target.String())

	// Perform the backup
	snap, err := r.syncer.Sync(ctx, tr, p.Sync, now)
	if err != nil {
		return fmt.Errorf("error during sync: %w", err)
	}

	// Clean up outdated snapshots
	res, err := r.retainer.Prune(ctx, tr, p.Retention, now)
	if err != nil {
		return fmt.Errorf("error during prune: %w", err)
	}

	plog.Info("Backup completed", "snapshot", snap.Name, "purged", len(res.Purged))
	return nil
}

func (r *Runner) ExecutePrune(ctx context.Context, p *planner.PrunePlan) error {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// save the execution timestamp
	now := r.now()

	tr, err := r.opener.Open(ctx, p.Target)
	if err != nil {
		return err
	}
	defer closeTransport(tr)

	// Run Preflight Validation
	if err := r.validator.Run(ctx, tr, endpoint.Endpoint{}, p.Target, p.Preflight); err != nil {
		return fmt.Errorf("preflight failed: %w", err)
	}

	// Acquire Lock on Target Root.
	releaseLock, err := r.acquireTargetLock(ctx, tr, p.Target)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		return nil
	}
	defer releaseLock()

	plog.Info("Starting prune", "target", p.Target.String())

	res, err := r.retainer.Prune(ctx, tr, p.Retention, now)
	if err != nil {
		return fmt.Errorf("fatal error during prune: %w", err)
	}
	plog.Info("Prune completed", "scanned", len(res.Scanned), "purged", len(res.Purged))
	return nil
}

// ExecuteList writes one line per snapshot with the retention verdict it would
// get if a prune ran now. Nothing on the target is modified.
func (r *Runner) ExecuteList(ctx context.Context, p *planner.ListPlan, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	now := r.now()

	tr, err := r.opener.Open(ctx, p.Target)
	if err != nil {
		return err
	}
	defer closeTransport(tr)

	snaps, err := pathretention.Scan(ctx, tr, p.Target.Path)
	if err != nil {
		return fmt.Errorf("failed to scan snapshots: %w", err)
	}
	if len(snaps) == 0 {
		plog.Info("No snapshots found", "target", p.Target.String())
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SNAPSHOT\tAGE (DAYS)\tTIER\tBUCKET\tACTION")
	for _, e := range pathretention.Classify(snaps, now, p.Policy) {
		action := "keep"
		if e.Purge {
			action = "purge"
		}
		bucket := e.Bucket
		if bucket == "" {
			bucket = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.Snapshot.Name, e.AgeDays, e.Tier, bucket, action)
	}
	return tw.Flush()
}

// ExecuteExport packs one snapshot into a compressed archive. The snapshot
// "current" resolves to the latest one.
func (r *Runner) ExecuteExport(ctx context.Context, p *planner.ExportPlan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	tr, err := r.opener.Open(ctx, p.Target)
	if err != nil {
		return err
	}
	defer closeTransport(tr)

	// Retention must not delete the snapshot while it is read.
	releaseLock, err := r.acquireTargetLock(ctx, tr, p.Target)
	if err != nil {
		return err
	}
	if releaseLock == nil {
		return nil
	}
	defer releaseLock()

	snap, err := resolveSnapshot(ctx, tr, p.Target.Path, p.Export.Snapshot)
	if err != nil {
		return err
	}
	snapPath := snap.Path(p.Target.Path, tr.Join)
	if util.IsWithin(snapPath, p.Export.ArchivePath) {
		return fmt.Errorf("archive %s cannot be written into the snapshot it exports", p.Export.ArchivePath)
	}

	if p.Export.DryRun {
		plog.Info("[DRY RUN] Would export snapshot", "snapshot", snap.Name, "archive", p.Export.ArchivePath, "format", p.Export.Format)
		return nil
	}

	plog.Info("Exporting snapshot", "snapshot", snap.Name, "archive", p.Export.ArchivePath)
	if err := r.compressor.Compress(ctx, snapPath, p.Export.ArchivePath, p.Export.Format, p.Export.Level); err != nil {
		return fmt.Errorf("error during export: %w", err)
	}
	return nil
}

// resolveSnapshot maps a snapshot name, or "current", to an existing snapshot.
func resolveSnapshot(ctx context.Context, tr transport.Transport, root, name string) (snapshot.Snapshot, error) {
	if name == CurrentSnapshot {
		snaps, err := pathretention.Scan(ctx, tr, root)
		if err != nil {
			return snapshot.Snapshot{}, fmt.Errorf("failed to scan snapshots: %w", err)
		}
		if len(snaps) == 0 {
			return snapshot.Snapshot{}, fmt.Errorf("%w in %s", ErrNoSnapshots, root)
		}
		return snaps[len(snaps)-1], nil
	}

	snap, err := snapshot.FromName(name)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	exists, err := tr.Exists(ctx, snap.Path(root, tr.Join))
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if !exists {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot %s does not exist in %s", name, root)
	}
	return snap, nil
}

// acquireTargetLock acquires the lock file in the target root.
// It returns a release function that must be called to unlock the root, or
// nil when another run holds the lock.
func (r *Runner) acquireTargetLock(ctx context.Context, tr transport.Transport, target endpoint.Endpoint) (func(), error) {
	appID := buildinfo.AppID(target.String())

	plog.Debug("Attempting to acquire lock", "path", target.Path)
	lock, err := lockfile.Acquire(ctx, tr, target.Path, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Operation is already running for this target, skipping run.", "details", lockErr.Error())
			return nil, nil // Return nil error to indicate a graceful exit.
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")

	return lock.Release, nil
}

func closeTransport(tr transport.Transport) {
	if err := tr.Close(); err != nil {
		plog.Warn("Failed to close transport", "error", err)
	}
}
