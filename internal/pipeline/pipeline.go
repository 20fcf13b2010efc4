// Package pipeline orchestrates the two workflows of the tool: fetch
// (export API to staging directory) and sync (staging directory to
// remote store).
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lumehq/ampsync/internal/bucket"
	"github.com/lumehq/ampsync/internal/logging"
	"github.com/lumehq/ampsync/internal/metrics"
	"github.com/lumehq/ampsync/internal/stage"
)

// Fetcher pulls one hour bucket from the export API into the staging
// directory.
type Fetcher interface {
	FetchHour(ctx context.Context, h bucket.Hour) error
}

// Store is the remote side of the sync workflow.
type Store interface {
	List(ctx context.Context) (bucket.Set, error)
	Upload(ctx context.Context, h bucket.Hour, r io.Reader) error
	Size(ctx context.Context, h bucket.Hour) (int64, error)
}

// Pipeline runs the fetch and sync workflows over one staging
// directory and one remote store. Execution is sequential; buckets
// and files are processed oldest first, one at a time.
type Pipeline struct {
	fetcher Fetcher
	dir     *stage.Dir
	store   Store
	log     *slog.Logger
}

// New creates a pipeline over the given collaborators.
func New(fetcher Fetcher, dir *stage.Dir, store Store) *Pipeline {
	return &Pipeline{
		fetcher: fetcher,
		dir:     dir,
		store:   store,
		log:     logging.Component("pipeline"),
	}
}

// FetchResult summarizes one fetch pass.
type FetchResult struct {
	Required int // buckets in the requested range
	Skipped  int // contiguous leading run already in the remote store
	Staged   int // buckets already staged locally
	Fetched  int // buckets pulled from the API this pass
}

// Fetch pulls every bucket of r that is in neither the remote store
// nor the staging directory.
//
// The order of operations:
//  1. List the remote store. A contiguous run of buckets already
//     present at the start of the range shrinks the range; the first
//     hole stops the advance.
//  2. List the staging directory. Staged buckets are not re-fetched.
//  3. Fetch the remaining buckets oldest first. The first failure
//     aborts the pass.
func (p *Pipeline) Fetch(ctx context.Context, r bucket.Range) (FetchResult, error) {
	startTime := time.Now()
	required := r.Hours()
	res := FetchResult{Required: len(required)}

	p.log.Info("starting fetch", "range", r.String(), "buckets", len(required))

	remote, err := p.store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list remote store: %w", err)
	}
	for len(required) > 0 && remote.Contains(required[0]) {
		required = required[1:]
		res.Skipped++
	}
	if res.Skipped > 0 {
		p.log.Info("skipping buckets already in the remote store", "skipped", res.Skipped)
	}

	local, err := p.dir.List()
	if err != nil {
		return res, fmt.Errorf("list staging directory: %w", err)
	}
	var missing []bucket.Hour
	for _, h := range required {
		if local.Contains(h) {
			res.Staged++
			continue
		}
		missing = append(missing, h)
	}

	for _, h := range missing {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.fetcher.FetchHour(ctx, h); err != nil {
			return res, fmt.Errorf("fetch bucket %s: %w", h, err)
		}
		res.Fetched++
	}

	p.log.Info("fetch complete",
		"range", r.String(),
		"required", res.Required,
		"already_synced", res.Skipped,
		"already_staged", res.Staged,
		"fetched", res.Fetched,
		"duration", time.Since(startTime).String(),
	)
	return res, nil
}

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Uploaded int // staged files uploaded and removed locally
	Removed  int // staged files dropped because the remote already had them
	Failed   int // files that stay staged for a later pass
}

// Sync reconciles the staging directory against the remote store.
//
// The order of operations:
//  1. List both sides; either listing failing aborts the pass.
//  2. Buckets present on both sides lose their local copy. The remote
//     object is the committed one and is never overwritten.
//  3. Buckets present only locally are uploaded, confirmed with a
//     size read-back, then removed locally. A failure on one file is
//     logged and counted; the pass moves on and the file stays
//     staged.
func (p *Pipeline) Sync(ctx context.Context) (SyncResult, error) {
	startTime := time.Now()
	var res SyncResult

	local, err := p.dir.List()
	if err != nil {
		return res, fmt.Errorf("list staging directory: %w", err)
	}
	remote, err := p.store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list remote store: %w", err)
	}

	p.log.Info("starting sync", "staged", len(local), "remote", len(remote))

	for _, h := range local.Intersect(remote).Sorted() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.dir.Remove(h); err != nil {
			p.log.Warn("failed to drop local copy of synced bucket", "bucket", h.Key(), "error", err)
			continue
		}
		res.Removed++
		if m := metrics.Get(); m != nil {
			m.LocalRemovals.Inc()
		}
		p.log.Info("dropped local copy of synced bucket", "bucket", h.Key())
	}

	for _, h := range local.Diff(remote).Sorted() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := p.upload(ctx, h); err != nil {
			res.Failed++
			if m := metrics.Get(); m != nil {
				m.UploadFailures.Inc()
			}
			p.log.Error("bucket stays staged after failed upload", "bucket", h.Key(), "error", err)
			continue
		}
		res.Uploaded++
	}

	p.log.Info("sync complete",
		"uploaded", res.Uploaded,
		"removed", res.Removed,
		"failed", res.Failed,
		"duration", time.Since(startTime).String(),
	)
	return res, nil
}

// upload moves one staged bucket into the remote store and drops the
// local copy once the remote object is confirmed visible.
func (p *Pipeline) upload(ctx context.Context, h bucket.Hour) error {
	size, err := p.dir.Size(h)
	if err != nil {
		return err
	}
	f, err := p.dir.Open(h)
	if err != nil {
		return err
	}
	err = p.store.Upload(ctx, h, f)
	f.Close()
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	remoteSize, err := p.store.Size(ctx, h)
	if err != nil {
		return fmt.Errorf("verify upload: %w", err)
	}
	if remoteSize != size {
		return fmt.Errorf("uploaded object for %s holds %d bytes, staged file holds %d", h, remoteSize, size)
	}

	if m := metrics.Get(); m != nil {
		m.Uploads.Inc()
		m.BytesUploaded.Add(float64(size))
	}
	p.log.Info("uploaded bucket", "bucket", h.Key(), "bytes", size)

	if err := p.dir.Remove(h); err != nil {
		// The object is committed; the next pass drops the stray
		// local copy as a duplicate.
		p.log.Warn("failed to remove staged file after upload", "bucket", h.Key(), "error", err)
		return nil
	}
	if m := metrics.Get(); m != nil {
		m.LocalRemovals.Inc()
	}
	return nil
}

// Run executes fetch then sync. A fetch failure stops the run before
// anything moves to the remote store.
func (p *Pipeline) Run(ctx context.Context, r bucket.Range) error {
	if _, err := p.Fetch(ctx, r); err != nil {
		return err
	}
	_, err := p.Sync(ctx)
	return err
}
