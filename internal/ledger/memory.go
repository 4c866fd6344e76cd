package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/model"
)

// MemoryLedger keeps balances in process. Each (scope, period) bucket has
// its own mutex; a reservation locks its buckets in key order, so records
// contend only when they share a scope.
type MemoryLedger struct {
	policy  atomic.Pointer[compiled]
	now     func() time.Time
	journal Journal

	buckets sync.Map // bucket key -> *memBucket
	dedup   sync.Map // dedup key -> *dedupEntry
	tokens  sync.Map // token id -> *Token
}

type memBucket struct {
	mu        sync.Mutex
	committed int64
	reserved  int64
}

type dedupEntry struct {
	mu        sync.Mutex
	committed bool
	tokenID   string
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithJournal persists every commit before it is applied.
func WithJournal(j Journal) MemoryOption {
	return func(l *MemoryLedger) { l.journal = j }
}

// WithClock overrides the clock used for periods and sweeping.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemory creates an in-process ledger.
func NewMemory(p Policy, opts ...MemoryOption) (*MemoryLedger, error) {
	c, err := compile(p)
	if err != nil {
		return nil, err
	}
	l := &MemoryLedger{now: time.Now}
	l.policy.Store(c)
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// SetPolicy implements Ledger.
func (l *MemoryLedger) SetPolicy(p Policy) error {
	c, err := compile(p)
	if err != nil {
		return err
	}
	l.policy.Store(c)
	return nil
}

// Restore replays journaled charges, typically at startup.
func (l *MemoryLedger) Restore(entries []model.LedgerEntry) {
	for _, e := range entries {
		b := l.bucket(e.ScopeKey + "@" + e.PeriodKey)
		b.mu.Lock()
		b.committed += cost.Micros(e.AmountUSD)
		b.mu.Unlock()

		d := l.dedupFor(e.DedupKey)
		d.mu.Lock()
		d.committed = true
		d.mu.Unlock()
	}
	zap.L().Info("ledger: restored journal", zap.Int("entries", len(entries)))
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, scopes []Scope, amountUSD float64, dedupKey string) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "ledger: reserve")
	}
	if dedupKey == "" {
		return nil, eris.New("ledger: dedup key is required")
	}
	if amountUSD < 0 {
		return nil, eris.Errorf("ledger: negative reservation %.6f", amountUSD)
	}

	pol := l.policy.Load()
	now := l.now()
	refs := resolve(pol, scopes, now)
	amount := cost.Micros(amountUSD)

	d := l.dedupFor(dedupKey)
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.committed {
		return nil, &Rejection{Reason: ErrAlreadyCharged, RequestedUSD: amountUSD}
	}
	if d.tokenID != "" {
		if v, ok := l.tokens.LoadAndDelete(d.tokenID); ok {
			l.unreserve(v.(*Token))
			zap.L().Debug("ledger: superseded open reservation", zap.String("dedup_key", dedupKey))
		}
		d.tokenID = ""
	}

	bs := l.lock(refs)
	defer unlock(bs)

	for _, i := range narrowestFirst(refs) {
		ref := refs[i]
		if ref.limit.unlimited {
			continue
		}
		remaining := ref.limit.micros - bs[i].committed - bs[i].reserved
		if amount > remaining {
			return nil, &Rejection{
				Reason:       ErrBudgetExceeded,
				Scope:        ref.Scope,
				RemainingUSD: cost.USD(max(remaining, 0)),
				RequestedUSD: amountUSD,
			}
		}
	}
	for _, b := range bs {
		b.reserved += amount
	}

	tok := newToken(pol, refs, scopes, amount, dedupKey, now)
	l.tokens.Store(tok.ID, tok)
	d.tokenID = tok.ID
	return tok, nil
}

// Commit implements Ledger.
func (l *MemoryLedger) Commit(ctx context.Context, t *Token, actualUSD float64) (float64, error) {
	if t == nil {
		return 0, ErrUnknownToken
	}
	// The dedup lock is taken before the token is claimed so a Reserve that
	// supersedes t is ordered strictly before or after this commit.
	d := l.dedupFor(t.DedupKey)
	d.mu.Lock()
	defer d.mu.Unlock()

	tok, err := l.claim(d, t)
	if err != nil {
		return 0, err
	}
	if d.committed {
		l.unreserve(tok)
		d.tokenID = ""
		return 0, &Rejection{Reason: ErrAlreadyCharged, RequestedUSD: actualUSD}
	}

	bs := l.lock(tok.buckets)
	defer unlock(bs)

	used := make([]int64, len(bs))
	for i, b := range bs {
		used[i] = b.committed + b.reserved - tok.amount
	}
	charge := capCharge(tok, max(cost.Micros(actualUSD), 0), used)

	if l.journal != nil {
		entries := entriesFor(tok, uuid.NewString(), charge, l.now())
		if err := l.journal.AppendCharges(ctx, entries); err != nil {
			l.tokens.Store(tok.ID, tok)
			return 0, eris.Wrap(err, "ledger: journal charge")
		}
	}

	for _, b := range bs {
		b.reserved -= tok.amount
		b.committed += charge
	}
	d.committed = true
	d.tokenID = ""
	return cost.USD(charge), nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(_ context.Context, t *Token) error {
	if t == nil {
		return ErrUnknownToken
	}
	d := l.dedupFor(t.DedupKey)
	d.mu.Lock()
	defer d.mu.Unlock()

	tok, err := l.claim(d, t)
	if err != nil {
		return err
	}
	d.tokenID = ""
	l.unreserve(tok)
	return nil
}

// claim removes t from the open tokens. The caller holds d.mu. A token that
// is no longer the open reservation of its dedup key is dropped.
func (l *MemoryLedger) claim(d *dedupEntry, t *Token) (*Token, error) {
	v, ok := l.tokens.Load(t.ID)
	if !ok {
		return nil, ErrUnknownToken
	}
	tok := v.(*Token)
	if tok.DedupKey != t.DedupKey {
		return nil, ErrUnknownToken
	}
	l.tokens.Delete(tok.ID)
	if d.tokenID != tok.ID {
		l.unreserve(tok)
		return nil, ErrUnknownToken
	}
	return tok, nil
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(_ context.Context, s Scope) (Balance, error) {
	ref := l.policy.Load().bucket(s, l.now())
	var committed, reserved int64
	if v, ok := l.buckets.Load(ref.key()); ok {
		b := v.(*memBucket)
		b.mu.Lock()
		committed, reserved = b.committed, b.reserved
		b.mu.Unlock()
	}
	return balanceOf(ref, committed, reserved), nil
}

// SweepExpired implements Ledger.
func (l *MemoryLedger) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := l.now().Add(-ttl)
	var expired []*Token
	l.tokens.Range(func(_, v any) bool {
		if t := v.(*Token); t.CreatedAt.Before(cutoff) {
			expired = append(expired, t)
		}
		return true
	})
	n := 0
	for _, t := range expired {
		if err := l.Release(ctx, t); err == nil {
			n++
		}
	}
	if n > 0 {
		zap.L().Info("ledger: swept expired reservations", zap.Int("count", n))
	}
	return n, nil
}

func (l *MemoryLedger) unreserve(t *Token) {
	bs := l.lock(t.buckets)
	for _, b := range bs {
		b.reserved -= t.amount
	}
	unlock(bs)
}

func (l *MemoryLedger) bucket(key string) *memBucket {
	v, _ := l.buckets.LoadOrStore(key, &memBucket{})
	return v.(*memBucket)
}

func (l *MemoryLedger) dedupFor(key string) *dedupEntry {
	v, _ := l.dedup.LoadOrStore(key, &dedupEntry{})
	return v.(*dedupEntry)
}

// lock acquires the buckets in the (already sorted) order of refs.
func (l *MemoryLedger) lock(refs []bucketRef) []*memBucket {
	bs := make([]*memBucket, len(refs))
	for i, r := range refs {
		bs[i] = l.bucket(r.key())
		bs[i].mu.Lock()
	}
	return bs
}

func unlock(bs []*memBucket) {
	for i := len(bs) - 1; i >= 0; i-- {
		bs[i].mu.Unlock()
	}
}

func newToken(pol *compiled, refs []bucketRef, scopes []Scope, amount int64, dedupKey string, now time.Time) *Token {
	return &Token{
		ID:            uuid.NewString(),
		DedupKey:      dedupKey,
		AmountUSD:     cost.USD(amount),
		Scopes:        append([]Scope(nil), scopes...),
		PolicyVersion: pol.Version,
		CreatedAt:     now,
		amount:        amount,
		buckets:       refs,
	}
}

// capCharge limits want so no capped bucket ends above its cap. used[i] is
// what bucket i holds excluding this token's reservation.
func capCharge(t *Token, want int64, used []int64) int64 {
	charge := want
	for i, ref := range t.buckets {
		if ref.limit.unlimited {
			continue
		}
		charge = min(charge, max(ref.limit.micros-used[i], 0))
	}
	if charge < want {
		zap.L().Warn("ledger: actual cost exceeds remaining budget, charge capped",
			zap.String("dedup_key", t.DedupKey),
			zap.Float64("reserved_usd", t.AmountUSD),
			zap.Float64("actual_usd", cost.USD(want)),
			zap.Float64("charged_usd", cost.USD(charge)),
		)
	}
	return charge
}
