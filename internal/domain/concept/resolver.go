package concept

import (
	"github.com/ehr/cohort/pkg/omop"
)

// Resolver answers concept-set membership questions against the current
// version of every concept set. It is immutable after construction and
// safe for concurrent use.
type Resolver struct {
	sets map[string]Set
}

func NewResolver(members []omop.ConceptSetMember) *Resolver {
	sets := make(map[string]Set)
	for _, m := range members {
		if !m.IsMostRecentVersion {
			continue
		}
		s, ok := sets[m.ConceptSetName]
		if !ok {
			s = make(Set)
			sets[m.ConceptSetName] = s
		}
		s[m.ConceptID] = struct{}{}
	}
	return &Resolver{sets: sets}
}

// Resolve returns the current members of the named set. Unknown names and
// sets with no current members yield an empty set.
func (r *Resolver) Resolve(name string) Set {
	if s, ok := r.sets[name]; ok {
		return s
	}
	return Set{}
}

// Len returns the number of concept sets with at least one current member.
func (r *Resolver) Len() int {
	return len(r.sets)
}
