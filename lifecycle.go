package offlinecache

import (
	"context"
	"errors"
	"time"

	"github.com/always-cache/offline-cache/manifest"
)

var ErrNoActiveWorker = errors.New("no active worker")

// Register installs a worker for the manifest and parks it as waiting.
// The waiting worker is activated right away, unless activation is deferred
// and another worker is active.
//
// If install fails, no worker is returned. If activation fails, the worker
// is returned together with the error: it is active over an empty cache.
func (h *Host) Register(ctx context.Context, m manifest.Manifest, shell []string) (*Worker, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	w := h.newWorker(m, shell)
	if err := w.Install(ctx); err != nil {
		w.log.Error().Err(err).Msg("Install failed")
		return nil, err
	}

	h.mutex.Lock()
	previous := h.waiting
	h.waiting = w
	active := h.active
	h.mutex.Unlock()
	if previous != nil {
		previous.retire()
	}

	if h.deferActivation && active != nil {
		w.log.Info().Str("active", active.Version()).Msg("Installed, waiting for activation")
		return w, nil
	}
	if _, err := h.activateWaiting(ctx); err != nil {
		return w, err
	}
	return w, nil
}

// SkipWaiting activates the waiting worker, if there is one.
func (h *Host) SkipWaiting(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	_, err := h.activateWaiting(ctx)
	return err
}

// activateWaiting promotes the waiting worker to active.
// The caller must hold the lifecycle lock.
func (h *Host) activateWaiting(ctx context.Context) (*Worker, error) {
	h.gate.Lock()
	defer h.gate.Unlock()
	// writes of the outgoing worker must not land after the diff
	h.writes.Wait()

	h.mutex.Lock()
	w := h.waiting
	h.waiting = nil
	h.mutex.Unlock()
	if w == nil {
		h.log.Debug().Msg("No waiting worker to activate")
		return nil, nil
	}

	result, err := w.Activate(ctx)

	h.mutex.Lock()
	previous := h.active
	h.active = w
	h.mutex.Unlock()
	if previous != nil {
		previous.retire()
	}

	if err != nil {
		w.log.Error().Err(err).Msg("Activation failed, serving from an empty cache")
		return w, err
	}
	w.log.Info().
		Bool("firstRun", result.FirstRun).
		Int("retained", len(result.Retained)).
		Int("evicted", len(result.Evicted)).
		Int("merged", len(result.Merged)).
		Msg("Activated")
	return w, nil
}

// Run registers a worker for the manifest, retrying failed installs every
// RetryInterval until one succeeds or the context is done.
func (h *Host) Run(ctx context.Context, m manifest.Manifest, shell []string) (*Worker, error) {
	for {
		w, err := h.Register(ctx, m, shell)
		if w != nil {
			return w, err
		}
		h.log.Warn().Err(err).Dur("retry", h.retryInterval).Msg("Retrying install")
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(h.retryInterval):
		}
	}
}
