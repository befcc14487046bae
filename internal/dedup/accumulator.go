package dedup

import (
	"sort"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// accumulator tracks one key inside a partition: the current priority
// winner plus the union of the set-valued columns across every row
// seen for the key. The state machine is absent → tentative, with
// tentative → tentative on every further row.
type accumulator struct {
	winner   *kgx.Row
	firstSeq uint64
	rows     uint64
	sets     []orderedSet // indexed like setColumns; nil for edges
}

// orderedSet is a string set that remembers insertion order so the
// union can be emitted either sorted or first-seen.
type orderedSet struct {
	seen  map[string]struct{}
	order []string
}

func (s *orderedSet) add(vals []string) {
	for _, v := range vals {
		if s.seen == nil {
			s.seen = make(map[string]struct{})
		}
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.order = append(s.order, v)
	}
}

func (s *orderedSet) render(insertionOrder bool) string {
	if len(s.order) == 0 {
		return ""
	}
	if insertionOrder {
		return kgx.JoinList(s.order)
	}
	sorted := append([]string(nil), s.order...)
	sort.Strings(sorted)
	return kgx.JoinList(sorted)
}

// observe folds a row into the accumulator, replacing the winner when
// priority improves.
func (a *accumulator) observe(row *kgx.Row, better func(a, b *kgx.Row) bool, setColumns []string) {
	a.rows++
	if row.Seq < a.firstSeq {
		a.firstSeq = row.Seq
	}
	for i, col := range setColumns {
		if row.Schema.Has(col) {
			a.sets[i].add(kgx.ListValue(row.Get(col)))
		}
	}
	if a.winner == nil {
		a.winner = row
		return
	}
	if better(row, a.winner) {
		a.winner = row
	}
}

// emit materializes the winning row, substituting the unioned
// set-valued columns.
func (a *accumulator) emit(setColumns []string, insertionOrder bool) *kgx.Row {
	row := a.winner
	for i, col := range setColumns {
		if !row.Schema.Has(col) {
			continue
		}
		if rendered := a.sets[i].render(insertionOrder); rendered != row.Get(col) {
			if row == a.winner {
				row = row.Clone()
			}
			row.Set(col, rendered)
		}
	}
	return row
}

func newAccumulator(seq uint64, nsets int) *accumulator {
	a := &accumulator{firstSeq: seq}
	if nsets > 0 {
		a.sets = make([]orderedSet, nsets)
	}
	return a
}
