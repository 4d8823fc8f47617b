package concept

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehr/cohort/pkg/omop"
)

// Fusion is the merged fusion sheet: the required rows followed by the
// customizable rows, de-duplicated on every column.
type Fusion struct {
	entries []omop.FusionEntry
}

// MergeFusion combines the required and the user-editable fusion sheets.
func MergeFusion(required, custom []omop.FusionEntry) *Fusion {
	seen := make(map[omop.FusionEntry]bool, len(required)+len(custom))
	f := &Fusion{}
	for _, group := range [][]omop.FusionEntry{required, custom} {
		for _, e := range group {
			e = normalize(e)
			if seen[e] {
				continue
			}
			seen[e] = true
			f.entries = append(f.entries, e)
		}
	}
	return f
}

func normalize(e omop.FusionEntry) omop.FusionEntry {
	return omop.FusionEntry{
		ConceptSetName:  strings.TrimSpace(e.ConceptSetName),
		Domain:          strings.ToLower(strings.TrimSpace(e.Domain)),
		IndicatorPrefix: strings.TrimSpace(e.IndicatorPrefix),
		PreDuringPost:   strings.ToLower(strings.TrimSpace(e.PreDuringPost)),
	}
}

// Entries returns the merged rows in sheet order.
func (f *Fusion) Entries() []omop.FusionEntry {
	return f.entries
}

// Validate rejects rows without a concept set or indicator name and concept
// sets bound to two different indicators within the same domain.
func (f *Fusion) Validate() error {
	type key struct {
		set    string
		domain omop.Domain
	}
	bound := make(map[key]string)
	for i, e := range f.entries {
		if e.ConceptSetName == "" || e.IndicatorPrefix == "" {
			return fmt.Errorf("fusion row %d: concept_set_name and indicator_prefix are required", i+1)
		}
		for _, d := range domainsOf(e.Domain) {
			k := key{set: e.ConceptSetName, domain: d}
			if prev, ok := bound[k]; ok && prev != e.IndicatorPrefix {
				return fmt.Errorf("%w: %q in %s maps to %q and %q",
					ErrAmbiguousConceptSet, e.ConceptSetName, d, prev, e.IndicatorPrefix)
			}
			bound[k] = e.IndicatorPrefix
		}
	}
	return nil
}

// domainsOf returns every extractor domain a fusion domain cell names.
// Cells may use table names such as "condition_occurrence".
func domainsOf(cell string) []omop.Domain {
	var out []omop.Domain
	for _, d := range omop.AllDomains {
		if strings.Contains(cell, string(d)) {
			out = append(out, d)
		}
	}
	return out
}

// IndicatorsFor maps each current concept id of the concept sets bound to
// domain to the indicator names it raises.
func (f *Fusion) IndicatorsFor(r *Resolver, domain omop.Domain) Indicators {
	out := make(Indicators)
	for _, e := range f.entries {
		if !strings.Contains(e.Domain, string(domain)) {
			continue
		}
		for id := range r.Resolve(e.ConceptSetName) {
			if !contains(out[id], e.IndicatorPrefix) {
				out[id] = append(out[id], e.IndicatorPrefix)
			}
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// WindowIndicators lists, in sheet order, the indicator names tagged for w.
func (f *Fusion) WindowIndicators(w Window) []string {
	var out []string
	for _, e := range f.entries {
		if strings.Contains(e.PreDuringPost, string(w)) && !contains(out, e.IndicatorPrefix) {
			out = append(out, e.IndicatorPrefix)
		}
	}
	return out
}

// SharedIndicators returns indicator names fed by more than one concept set.
// Their flags are OR-merged across sets.
func (f *Fusion) SharedIndicators() map[string][]string {
	sets := make(map[string][]string)
	for _, e := range f.entries {
		if !contains(sets[e.IndicatorPrefix], e.ConceptSetName) {
			sets[e.IndicatorPrefix] = append(sets[e.IndicatorPrefix], e.ConceptSetName)
		}
	}
	for name, s := range sets {
		if len(s) < 2 {
			delete(sets, name)
		}
	}
	return sets
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
