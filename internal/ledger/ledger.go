// Package ledger is the spend ledger: scope-hierarchical budget accounting
// with a two-phase reserve then commit-or-release protocol. A reservation
// touches every applicable scope and succeeds or fails as a unit.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/model"
)

var (
	// ErrBudgetExceeded means a scope cannot absorb the reservation in its
	// current period.
	ErrBudgetExceeded = eris.New("ledger: budget exceeded")
	// ErrAlreadyCharged means the dedup key already has a committed charge.
	ErrAlreadyCharged = eris.New("ledger: already charged")
	// ErrUnknownToken means the reservation was already settled or swept.
	ErrUnknownToken = eris.New("ledger: unknown reservation")
)

// Rejection is returned by Reserve when a reservation is refused. It matches
// its Reason with errors.Is.
type Rejection struct {
	Reason       error
	Scope        Scope
	RemainingUSD float64
	RequestedUSD float64
}

func (r *Rejection) Error() string {
	if r.Reason == ErrAlreadyCharged {
		return r.Reason.Error()
	}
	return fmt.Sprintf("%s: %s has $%.4f left, requested $%.4f", r.Reason.Error(), r.Scope, r.RemainingUSD, r.RequestedUSD)
}

// Is matches the rejection reason.
func (r *Rejection) Is(target error) bool { return target == r.Reason }

// Token is an open reservation.
type Token struct {
	ID            string    `json:"id"`
	DedupKey      string    `json:"dedup_key"`
	AmountUSD     float64   `json:"amount_usd"`
	Scopes        []Scope   `json:"scopes"`
	PolicyVersion string    `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`

	amount  int64
	buckets []bucketRef
}

// Balance is a scope's position in its current period.
type Balance struct {
	Scope        Scope   `json:"scope"`
	Period       string  `json:"period"`
	CapUSD       float64 `json:"cap_usd"`
	Unlimited    bool    `json:"unlimited"`
	CommittedUSD float64 `json:"committed_usd"`
	ReservedUSD  float64 `json:"reserved_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
}

// Ledger is the two-phase spend ledger.
type Ledger interface {
	// Reserve holds amount against every scope atomically. It returns a
	// *Rejection for ErrBudgetExceeded or ErrAlreadyCharged. An open
	// reservation under the same dedup key is superseded.
	Reserve(ctx context.Context, scopes []Scope, amountUSD float64, dedupKey string) (*Token, error)
	// Commit settles a reservation at the actual cost and returns the
	// amount charged, which never pushes a scope past its cap. If the dedup
	// key was charged meanwhile the reservation is dropped and Commit
	// returns a *Rejection for ErrAlreadyCharged.
	Commit(ctx context.Context, token *Token, actualUSD float64) (float64, error)
	// Release drops a reservation without charging.
	Release(ctx context.Context, token *Token) error
	// Balance reports a scope in its current period.
	Balance(ctx context.Context, scope Scope) (Balance, error)
	// SweepExpired releases reservations older than ttl.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)
	// SetPolicy swaps the budget policy. Open reservations keep the caps
	// they were taken under.
	SetPolicy(p Policy) error
}

// Journal persists committed charges.
type Journal interface {
	AppendCharges(ctx context.Context, entries []model.LedgerEntry) error
}

// resolve maps scopes to balance buckets, deduplicated and sorted by key so
// every caller locks them in the same order.
func resolve(c *compiled, scopes []Scope, now time.Time) []bucketRef {
	seen := make(map[string]bool, len(scopes))
	refs := make([]bucketRef, 0, len(scopes))
	for _, s := range scopes {
		b := c.bucket(s, now)
		if seen[b.key()] {
			continue
		}
		seen[b.key()] = true
		refs = append(refs, b)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].key() < refs[j].key() })
	return refs
}

// narrowestFirst orders refs by hierarchy so rejections name the narrowest
// failing scope.
func narrowestFirst(refs []bucketRef) []int {
	idx := make([]int, len(refs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return refs[idx[a]].Scope.Kind.rank() < refs[idx[b]].Scope.Kind.rank()
	})
	return idx
}

func balanceOf(ref bucketRef, committed, reserved int64) Balance {
	b := Balance{
		Scope:        ref.Scope,
		Period:       ref.Period,
		CapUSD:       cost.USD(ref.limit.micros),
		Unlimited:    ref.limit.unlimited,
		CommittedUSD: cost.USD(committed),
		ReservedUSD:  cost.USD(reserved),
	}
	if !ref.limit.unlimited {
		b.RemainingUSD = cost.USD(max(ref.limit.micros-committed-reserved, 0))
	}
	return b
}

func entriesFor(t *Token, chargeID string, charged int64, at time.Time) []model.LedgerEntry {
	out := make([]model.LedgerEntry, 0, len(t.buckets))
	for _, b := range t.buckets {
		out = append(out, model.LedgerEntry{
			ChargeID:      chargeID,
			ScopeKey:      b.Scope.Key(),
			PeriodKey:     b.Period,
			AmountUSD:     cost.USD(charged),
			DedupKey:      t.DedupKey,
			PolicyVersion: t.PolicyVersion,
			CreatedAt:     at,
		})
	}
	return out
}
