package snapshot

import (
	"bytes"
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/store"
	"github.com/sells-group/prospect-waterfall/internal/waterfall"
)

// Persister records every snapshot version that was ever loaded.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap store.Snapshot) error
}

// PolicySetter receives the budget policy of each new snapshot.
type PolicySetter interface {
	SetPolicy(p ledger.Policy) error
}

// Holder owns the current snapshot. Readers get the snapshot that was
// current when they asked and keep it for the whole run.
type Holder struct {
	cur      atomic.Pointer[Snapshot]
	retry    resilience.RetryConfig
	persist  Persister
	policy   PolicySetter
	debounce time.Duration
	leaseTTL time.Duration
	now      func() time.Time
}

// Option configures a Holder.
type Option func(*Holder)

// WithPersister saves each swapped-in snapshot.
func WithPersister(p Persister) Option { return func(h *Holder) { h.persist = p } }

// WithPolicySetter pushes each snapshot's budgets into the ledger.
func WithPolicySetter(p PolicySetter) Option { return func(h *Holder) { h.policy = p } }

// WithLeaseTTL rejects snapshots whose runs can outlive ttl.
func WithLeaseTTL(ttl time.Duration) Option { return func(h *Holder) { h.leaseTTL = ttl } }

// WithDebounce sets how long Watch waits for writes to settle.
func WithDebounce(d time.Duration) Option { return func(h *Holder) { h.debounce = d } }

// NewHolder creates an empty Holder whose run configs use retry.
func NewHolder(retry resilience.RetryConfig, opts ...Option) *Holder {
	h := &Holder{retry: retry, debounce: 250 * time.Millisecond, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Current returns the active snapshot, or nil before the first Swap.
func (h *Holder) Current() *Snapshot {
	return h.cur.Load()
}

// RunConfig implements pool.ConfigSource.
func (h *Holder) RunConfig() (waterfall.RunConfig, error) {
	s := h.cur.Load()
	if s == nil {
		return waterfall.RunConfig{}, eris.New("snapshot: no snapshot loaded")
	}
	return s.RunConfig(h.retry), nil
}

// Swap makes s the current snapshot. A version may not be reused for
// different content, so every persisted version names exactly one
// configuration.
func (h *Holder) Swap(ctx context.Context, s *Snapshot) error {
	if prev := h.cur.Load(); prev != nil && prev.Version == s.Version {
		if bytes.Equal(prev.raw, s.raw) {
			return nil
		}
		return eris.Errorf("snapshot: version %s changed content without a new version", s.Version)
	}
	if err := s.CheckLeases(h.leaseTTL); err != nil {
		return err
	}
	if h.persist != nil {
		if err := h.persist.SaveSnapshot(ctx, store.Snapshot{Version: s.Version, Body: s.raw, LoadedAt: h.now().UTC()}); err != nil {
			return eris.Wrapf(err, "snapshot: persist %s", s.Version)
		}
	}
	if h.policy != nil {
		if err := h.policy.SetPolicy(s.Budgets); err != nil {
			return eris.Wrapf(err, "snapshot: apply budgets of %s", s.Version)
		}
	}
	h.cur.Store(s)
	zap.L().Info("snapshot: activated",
		zap.String("version", s.Version),
		zap.String("plan_version", s.Plan.Version),
		zap.String("weights_version", s.Weights.Version),
		zap.Int("tiers", len(s.Plan.Tiers)),
	)
	return nil
}

// LoadFile loads path and swaps it in.
func (h *Holder) LoadFile(ctx context.Context, path string) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	return h.Swap(ctx, s)
}

// Watch reloads path whenever it is written or replaced, until ctx is done.
// A snapshot that fails validation is logged and the current one stays.
func (h *Holder) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "snapshot: create watcher")
	}
	defer w.Close() //nolint:errcheck

	// Editors often replace the file, so watch its directory.
	target := filepath.Clean(path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return eris.Wrapf(err, "snapshot: watch %s", filepath.Dir(target))
	}
	zap.L().Info("snapshot: watching", zap.String("path", target))

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			settle = time.After(h.debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			zap.L().Warn("snapshot: watcher error", zap.Error(err))
		case <-settle:
			settle = nil
			if err := h.LoadFile(ctx, target); err != nil {
				zap.L().Error("snapshot: reload rejected, keeping current", zap.String("path", target), zap.Error(err))
			}
		}
	}
}
