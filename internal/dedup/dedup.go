// Package dedup selects exactly one winner per primary key from a
// stream of canonicalized rows, honoring the source-rank and
// predicate-rank priority rules. It runs out of core: rows are hash
// partitioned to run files, each partition is merged in memory, and an
// oversized partition is recursively re-partitioned.
package dedup

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// Kind selects the key and priority rules.
type Kind int

const (
	Nodes Kind = iota
	Edges
)

// defaultPartitions is the initial bucket count. Oversized buckets are
// split further, so this only needs to be roughly right.
const defaultPartitions = 64

// Options configures a Deduper.
type Options struct {
	Kind           Kind
	SpillDir       string
	PartitionBytes int64
	Partitions     int

	// Rule extensions from configuration
	PredicateRank       map[string]int
	ExemptPairs         []kgx.PrefixPair
	PrunedPairs         []kgx.PrefixPair
	UnionInsertionOrder bool

	Workers int
	Sink    *diag.Sink
	Logger  *logrus.Logger
}

// Result summarizes one dedup pass.
type Result struct {
	Kept        uint64
	Collapsed   uint64
	Pruned      uint64
	WonBySource map[string]uint64
}

// Deduper accepts rows via Add from any number of workers, then
// produces winners via Merge. The two phases do not overlap.
type Deduper struct {
	opts    Options
	schema  *kgx.Schema
	writers []*partitionWriter

	predRank    map[string]int
	exemptPairs []kgx.PrefixPair
	prunedPairs []kgx.PrefixPair
	setCols     []string
	excluded    map[string]bool
}

// Exclude drops every spilled row of the named sources during Merge.
// Used when a source is refused after some of its rows were already
// partitioned. Must be called before Merge.
func (d *Deduper) Exclude(sources []string) {
	if len(sources) == 0 {
		return
	}
	if d.excluded == nil {
		d.excluded = make(map[string]bool, len(sources))
	}
	for _, s := range sources {
		d.excluded[s] = true
	}
}

// New creates a deduper writing run files under opts.SpillDir, which
// must exist. The schema is the union schema all rows share.
func New(opts Options, schema *kgx.Schema) (*Deduper, error) {
	if opts.Partitions <= 0 {
		opts.Partitions = defaultPartitions
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	d := &Deduper{opts: opts, schema: schema}

	d.predRank = make(map[string]int, len(defaultPredicateRank)+len(opts.PredicateRank))
	for k, v := range defaultPredicateRank {
		d.predRank[k] = v
	}
	for k, v := range opts.PredicateRank {
		d.predRank[k] = v
	}
	d.exemptPairs = append(append([]kgx.PrefixPair(nil), defaultExemptPairs...), opts.ExemptPairs...)
	d.prunedPairs = append(append([]kgx.PrefixPair(nil), defaultPrunedPairs...), opts.PrunedPairs...)
	if opts.Kind == Nodes {
		d.setCols = kgx.NodeSetColumns
	}

	d.writers = make([]*partitionWriter, opts.Partitions)
	for i := range d.writers {
		w, err := newPartitionWriter(partitionPath(opts.SpillDir, 0, i), schema)
		if err != nil {
			d.abort()
			return nil, err
		}
		d.writers[i] = w
	}
	return d, nil
}

// key returns the dedup key of a row under the configured kind.
func (d *Deduper) key(row *kgx.Row) string {
	if d.opts.Kind == Nodes {
		return NodeKey(row)
	}
	return d.edgeKey(row)
}

// better is the priority order for rows sharing a key.
func (d *Deduper) better(a, b *kgx.Row) bool {
	if d.opts.Kind == Nodes {
		return betterNode(a, b)
	}
	return d.betterEdge(a, b)
}

// Add routes a row to its partition. Safe for concurrent use; each
// partition writer serializes its own appends. Pruned edges are
// dropped here, before they cost any spill I/O.
func (d *Deduper) Add(row *kgx.Row) error {
	if d.opts.Kind == Edges && d.prunedEdge(row) {
		d.opts.Sink.Count(diag.KindPruned, 1)
		return nil
	}
	key := d.key(row)
	bucket := partitionHash(key, 0) % uint64(len(d.writers))
	return d.writers[bucket].append(row)
}

// CloseWriters flushes and closes every run file. Must be called after
// the last Add and before Merge.
func (d *Deduper) CloseWriters() error {
	for _, w := range d.writers {
		if err := w.close(); err != nil {
			return err
		}
	}
	return nil
}

// abort closes and removes any run files already created.
func (d *Deduper) abort() {
	for _, w := range d.writers {
		if w == nil {
			continue
		}
		w.close()
		os.Remove(w.path)
	}
}

func (d *Deduper) logf() *logrus.Entry {
	kind := "nodes"
	if d.opts.Kind == Edges {
		kind = "edges"
	}
	return d.opts.Logger.WithField("table", kind)
}

func (d *Deduper) String() string {
	return fmt.Sprintf("dedup(%d partitions)", len(d.writers))
}
