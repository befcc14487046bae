package dedup

import (
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// defaultPredicateRank orders the predicates that may collapse onto
// the same (subject, object) pair. Smaller wins. Predicates outside
// the table share the lowest tier and fall back to first occurrence.
var defaultPredicateRank = map[string]int{
	kgx.PredicateHasChemicalRole:   1,
	kgx.PredicateSubclassOf:        2,
	kgx.PredicateCapableOf:         3,
	kgx.PredicateCapableOfMETPO:    3,
	kgx.PredicateCanBeCarriedOutBy: 4,
	kgx.PredicateSuperclassOf:      5,
}

const unrankedPredicate = 6

// defaultExemptPairs are the (subject prefix, object prefix) pairs for
// which every distinct predicate survives dedup.
var defaultExemptPairs = []kgx.PrefixPair{
	{Subject: kgx.PrefixNCBITaxon, Object: kgx.PrefixCHEBI},
	{Subject: kgx.PrefixRHEA, Object: kgx.PrefixCHEBI},
}

// defaultPrunedPairs are unconditionally dropped. The protein-to-taxon
// shortcut is reachable through Proteomes and would otherwise inflate
// the graph.
var defaultPrunedPairs = []kgx.PrefixPair{
	{Subject: kgx.PrefixUniprotKB, Object: kgx.PrefixNCBITaxon},
}

// keySep joins key components. A tab can never appear inside a field,
// so the join is unambiguous.
const keySep = "\t"

// NodeKey is the dedup key of a node row.
func NodeKey(row *kgx.Row) string {
	return row.Get(kgx.ColID)
}

// edgeKey returns the dedup key of an edge row: (subject, object), or
// (subject, object, predicate) when the prefix pair is fan-out exempt.
func (d *Deduper) edgeKey(row *kgx.Row) string {
	s, o := row.Get(kgx.ColSubject), row.Get(kgx.ColObject)
	for _, p := range d.exemptPairs {
		if p.Matches(s, o) {
			return s + keySep + o + keySep + row.Get(kgx.ColPredicate)
		}
	}
	return s + keySep + o
}

// prunedEdge reports whether the edge matches a pruned prefix pair.
func (d *Deduper) prunedEdge(row *kgx.Row) bool {
	s, o := row.Get(kgx.ColSubject), row.Get(kgx.ColObject)
	for _, p := range d.prunedPairs {
		if p.Matches(s, o) {
			return true
		}
	}
	return false
}

// betterNode reports whether a beats b for the same node id. The
// priority tuple is: source rank, presence of a name, presence of a
// description, xref length (longer wins), source name, first arrival.
func betterNode(a, b *kgx.Row) bool {
	if a.Rank != b.Rank {
		return a.Rank < b.Rank
	}
	an, bn := a.Get(kgx.ColName) != "", b.Get(kgx.ColName) != ""
	if an != bn {
		return an
	}
	ad, bd := a.Get(kgx.ColDescription) != "", b.Get(kgx.ColDescription) != ""
	if ad != bd {
		return ad
	}
	ax, bx := len(a.Get(kgx.ColXref)), len(b.Get(kgx.ColXref))
	if ax != bx {
		return ax > bx
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Seq < b.Seq
}

// betterEdge reports whether a beats b for the same edge key, using
// the predicate rank table with row order breaking ties.
func (d *Deduper) betterEdge(a, b *kgx.Row) bool {
	ar, br := d.predicateRank(a.Get(kgx.ColPredicate)), d.predicateRank(b.Get(kgx.ColPredicate))
	if ar != br {
		return ar < br
	}
	return a.Seq < b.Seq
}

func (d *Deduper) predicateRank(predicate string) int {
	if r, ok := d.predRank[predicate]; ok {
		return r
	}
	return unrankedPredicate
}
