package revocation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-entitlements/internal/metrics"
)

// SignatureStore is the persistent revocation log.
type SignatureStore interface {
	RevokedSignatures(ctx context.Context) ([]string, error)
}

// Refresher keeps a List in sync with the store and an optional file.
type Refresher struct {
	list     *List
	store    SignatureStore
	file     *FileSource
	interval time.Duration
}

// NewRefresher returns a refresher. file may be nil.
func NewRefresher(list *List, store SignatureStore, file *FileSource, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{list: list, store: store, file: file, interval: interval}
}

// Refresh replaces the list with the union of the store and file signatures.
// When the store cannot be read the list keeps its current contents.
// Signatures Added to the list while the store is being read survive.
func (r *Refresher) Refresh(ctx context.Context) error {
	mark := r.list.Mark()
	sigs, err := r.store.RevokedSignatures(ctx)
	if err != nil {
		metrics.RevocationRefreshTotal.WithLabelValues("error").Inc()
		return err
	}
	if r.file != nil {
		sigs = append(sigs, r.file.Signatures()...)
	}

	if !r.list.UpdateSince(mark, sigs) {
		log.Debug().Msg("Discarded revocation snapshot older than the applied one")
	}
	metrics.RevocationRefreshTotal.WithLabelValues("ok").Inc()
	metrics.RevokedSignatures.Set(float64(r.list.Size()))
	return nil
}

// Run refreshes on every tick and whenever the file source changes, until ctx
// is done.
func (r *Refresher) Run(ctx context.Context) error {
	r.refreshAndLog(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var fileChanged <-chan struct{}
	if r.file != nil {
		fileChanged = r.file.Changed()
	}

	for {
		select {
		case <-ticker.C:
			r.refreshAndLog(ctx)
		case <-fileChanged:
			r.refreshAndLog(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Refresher) refreshAndLog(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().
			Err(err).
			Int("revoked", r.list.Size()).
			Bool("stale", r.list.IsStale()).
			Msg("Failed to refresh revocation list; keeping previous contents")
		return
	}
	log.Debug().Int("revoked", r.list.Size()).Msg("Revocation list refreshed")
}
