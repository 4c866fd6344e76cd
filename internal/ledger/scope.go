package ledger

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

// Kind is a level of the scope hierarchy.
type Kind string

const (
	KindRecord Kind = "record"
	KindClient Kind = "client"
	KindOrg    Kind = "org"
	KindDay    Kind = "day"
)

// GlobalID is the ID of the single calendar-day scope.
const GlobalID = "global"

// AllKinds lists the hierarchy from narrowest to widest.
var AllKinds = []Kind{KindRecord, KindClient, KindOrg, KindDay}

func (k Kind) rank() int {
	switch k {
	case KindRecord:
		return 0
	case KindClient:
		return 1
	case KindOrg:
		return 2
	case KindDay:
		return 3
	}
	return 4
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k.rank() < 4 }

// Scope is one budget bucket, e.g. client:acme.
type Scope struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// Key is the stable string form "kind:id".
func (s Scope) Key() string { return string(s.Kind) + ":" + s.ID }

func (s Scope) String() string { return s.Key() }

// ParseScope parses "kind:id".
func ParseScope(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	s := Scope{Kind: Kind(kind), ID: id}
	if !ok || id == "" || !s.Kind.Valid() {
		return Scope{}, eris.Errorf("ledger: invalid scope key %q", key)
	}
	return s, nil
}

// ScopesFor returns the scopes of the given kinds that apply to a record,
// narrowest first. Kinds whose ID the record lacks are skipped. Nil kinds
// means every kind.
func ScopesFor(rec *model.Record, kinds []Kind) []Scope {
	if kinds == nil {
		kinds = AllKinds
	}
	var out []Scope
	seen := make(map[Kind]bool, len(kinds))
	for _, k := range AllKinds {
		want := false
		for _, kk := range kinds {
			if kk == k {
				want = true
			}
		}
		if !want || seen[k] {
			continue
		}
		seen[k] = true
		var id string
		switch k {
		case KindRecord:
			id = rec.ID
		case KindClient:
			id = rec.ClientID
		case KindOrg:
			id = rec.OrgID
		case KindDay:
			id = GlobalID
		}
		if id != "" {
			out = append(out, Scope{Kind: k, ID: id})
		}
	}
	return out
}
