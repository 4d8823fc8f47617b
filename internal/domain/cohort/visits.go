package cohort

import (
	"cloud.google.com/go/civil"
	"gopkg.in/guregu/null.v3"

	"github.com/ehr/cohort/pkg/omop"
)

type span struct {
	first, last civil.Date
	set         bool
}

func (s *span) add(d civil.Date) {
	if !s.set {
		s.first, s.last, s.set = d, d, true
		return
	}
	if d.Before(s.first) {
		s.first = d
	}
	if d.After(s.last) {
		s.last = d
	}
}

func (s *span) days() null.Int {
	if !s.set {
		return null.Int{}
	}
	return null.IntFrom(int64(s.last.DaysSince(s.first)))
}

type visitStats struct {
	before, post         int64
	spanBefore, spanPost span
}

// applyVisitStats counts distinct visit days strictly before and strictly
// after each patient's index date and measures the observation span on
// each side. A visit on the index day widens both spans and neither count.
func applyVisitStats(patients []Patient, visits []omop.Visit) {
	index := make(map[int64]civil.Date, len(patients))
	for _, p := range patients {
		if p.IndexDate.Valid {
			index[p.PersonID] = p.IndexDate.Date
		}
	}

	type key struct {
		person int64
		day    civil.Date
	}
	seen := make(map[key]bool)
	stats := make(map[int64]*visitStats)
	for _, v := range visits {
		idx, ok := index[v.PersonID]
		if !ok || !v.Start.Valid {
			continue
		}
		k := key{v.PersonID, v.Start.Date}
		if seen[k] {
			continue
		}
		seen[k] = true

		st := stats[v.PersonID]
		if st == nil {
			st = &visitStats{}
			stats[v.PersonID] = st
		}
		delta := idx.DaysSince(v.Start.Date)
		if delta > 0 {
			st.before++
		}
		if delta >= 0 {
			st.spanBefore.add(v.Start.Date)
		}
		if delta < 0 {
			st.post++
		}
		if delta <= 0 {
			st.spanPost.add(v.Start.Date)
		}
	}

	for i := range patients {
		st, ok := stats[patients[i].PersonID]
		if !ok {
			continue
		}
		if st.before > 0 {
			patients[i].VisitsBefore = null.IntFrom(st.before)
		}
		if st.post > 0 {
			patients[i].VisitsPost = null.IntFrom(st.post)
		}
		patients[i].ObservationBefore = st.spanBefore.days()
		patients[i].ObservationPost = st.spanPost.days()
	}
}
