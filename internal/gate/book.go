package gate

import (
	"sort"

	"github.com/rotisserie/eris"
)

// Book holds every known version of every rule set. It is immutable once
// built.
type Book struct {
	sets   map[string]map[string]*RuleSet
	latest map[string]string
}

// NewBook validates and indexes rule sets. When a name has several versions
// the last one given is the latest.
func NewBook(sets ...RuleSet) (*Book, error) {
	b := &Book{
		sets:   make(map[string]map[string]*RuleSet),
		latest: make(map[string]string),
	}
	for i := range sets {
		rs := sets[i]
		if err := rs.Validate(); err != nil {
			return nil, err
		}
		versions, ok := b.sets[rs.Name]
		if !ok {
			versions = make(map[string]*RuleSet)
			b.sets[rs.Name] = versions
		}
		if _, dup := versions[rs.Version]; dup {
			return nil, eris.Errorf("gate: duplicate rule set %s@%s", rs.Name, rs.Version)
		}
		versions[rs.Version] = &rs
		b.latest[rs.Name] = rs.Version
	}
	return b, nil
}

// Lookup returns a specific version of a rule set.
func (b *Book) Lookup(name, version string) (*RuleSet, bool) {
	if b == nil {
		return nil, false
	}
	rs, ok := b.sets[name][version]
	return rs, ok
}

// Latest returns the newest version of a rule set.
func (b *Book) Latest(name string) (*RuleSet, bool) {
	if b == nil {
		return nil, false
	}
	v, ok := b.latest[name]
	if !ok {
		return nil, false
	}
	return b.Lookup(name, v)
}

// Names lists the rule set names in the book.
func (b *Book) Names() []string {
	if b == nil {
		return nil
	}
	names := make([]string, 0, len(b.sets))
	for n := range b.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
