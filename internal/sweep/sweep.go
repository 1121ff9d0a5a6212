// Package sweep holds the periodic reconciliation procedures: the self-healing
// backstop for artifacts the live transfer path missed, and the lifecycle
// bookkeeping that mirrors the storage bucket's retention policy.
package sweep

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clipforge/renderbridge/internal/models"
)

// probeConcurrency bounds parallel storage probes during a sweep.
const probeConcurrency = 8

// Store is the system-of-record surface the sweeps read and repair.
type Store interface {
	ListCompletedMissingURL(ctx context.Context, lookback time.Duration) ([]models.RenderRequest, error)
	SetVideoURL(ctx context.Context, jobID, videoURL string) error
	SetTransferState(ctx context.Context, jobID string, status models.TransferStatus, attempts int) error
	MarkExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ObjectStore is the storage surface the missing-URL sweep probes.
type ObjectStore interface {
	ObjectPath(userID, jobID string, createdAt time.Time) string
	LegacyPaths(userID, jobID string, createdAt time.Time) []string
	PublicURL(path string) string
	Exists(ctx context.Context, path string) (bool, error)
}

type Sweeper struct {
	store   Store
	objects ObjectStore

	Lookback     time.Duration // missing-URL sweep window
	Retention    time.Duration // age before a row is flagged expired
	CleanupAfter time.Duration // age before expired rows are deleted
}

func New(store Store, objects ObjectStore, lookback, retention, cleanupAfter time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		objects:      objects,
		Lookback:     lookback,
		Retention:    retention,
		CleanupAfter: cleanupAfter,
	}
}

// MissingURLResult summarizes one missing-URL sweep run.
type MissingURLResult struct {
	Scanned int `json:"scanned"`
	Matched int `json:"matched"`
}

// SweepMissingURLs scans completed rows with no storage URL and probes owned
// storage under the canonical path plus legacy naming variants. The first
// match wins and is written back; rows with no match are left for the next
// sweep — absence is expected for jobs still mid-transfer, so it is never an
// error.
func (s *Sweeper) SweepMissingURLs(ctx context.Context) (*MissingURLResult, error) {
	rows, err := s.store.ListCompletedMissingURL(ctx, s.Lookback)
	if err != nil {
		return nil, err
	}

	var matched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)

	for i := range rows {
		row := rows[i]
		g.Go(func() error {
			paths := append(
				[]string{s.objects.ObjectPath(row.UserID, row.JobID, row.CreatedAt)},
				s.objects.LegacyPaths(row.UserID, row.JobID, row.CreatedAt)...,
			)

			for _, path := range paths {
				exists, err := s.objects.Exists(gctx, path)
				if err != nil {
					// Probe failures are transient; the next sweep retries.
					log.Printf("[Sweep] Probe failed for job %s at %s: %v", row.JobID, path, err)
					return nil
				}
				if !exists {
					continue
				}

				url := s.objects.PublicURL(path)
				if err := s.store.SetVideoURL(gctx, row.JobID, url); err != nil {
					log.Printf("[Sweep] Failed to write URL for job %s: %v", row.JobID, err)
					return nil
				}
				if err := s.store.SetTransferState(gctx, row.JobID, models.TransferStatusCompleted, row.Attempts); err != nil {
					log.Printf("[Sweep] Failed to update transfer state for job %s: %v", row.JobID, err)
				}
				matched.Add(1)
				log.Printf("[Sweep] Recovered URL for job %s: %s", row.JobID, url)
				return nil
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &MissingURLResult{Scanned: len(rows), Matched: int(matched.Load())}
	log.Printf("[Sweep] Missing-URL sweep: scanned %d, recovered %d", result.Scanned, result.Matched)
	return result, nil
}

// ExpirationResult summarizes one expiration sweep run.
type ExpirationResult struct {
	Expired int64 `json:"expired"`
	Deleted int64 `json:"deleted"`
}

// SweepExpirations flags rows past the retention window as expired (metadata
// only — object deletion is the bucket's lifecycle rule) and deletes
// already-expired rows past the cleanup horizon to bound table growth.
func (s *Sweeper) SweepExpirations(ctx context.Context) (*ExpirationResult, error) {
	expired, err := s.store.MarkExpiredBefore(ctx, time.Now().Add(-s.Retention))
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.DeleteExpiredBefore(ctx, time.Now().Add(-s.CleanupAfter))
	if err != nil {
		return nil, err
	}

	if expired > 0 || deleted > 0 {
		log.Printf("[Sweep] Expiration sweep: flagged %d, deleted %d", expired, deleted)
	}
	return &ExpirationResult{Expired: expired, Deleted: deleted}, nil
}

// Run drives both sweeps on their own tickers until the context ends.
func (s *Sweeper) Run(ctx context.Context, missingURLInterval, expirationInterval time.Duration) {
	missingTicker := time.NewTicker(missingURLInterval)
	defer missingTicker.Stop()
	expireTicker := time.NewTicker(expirationInterval)
	defer expireTicker.Stop()

	log.Printf("[Sweep] Running (missing-URL every %v, expiration every %v)", missingURLInterval, expirationInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-missingTicker.C:
			if _, err := s.SweepMissingURLs(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Sweep] Missing-URL sweep failed: %v", err)
			}
		case <-expireTicker.C:
			if _, err := s.SweepExpirations(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Sweep] Expiration sweep failed: %v", err)
			}
		}
	}
}
