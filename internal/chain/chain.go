// Package chain materializes derived pair relations by walking the
// merged edge table through a declared sequence of joins. Execution is
// a left-deep chain of partitioned hash joins; every intermediate
// relation lives on disk, so memory use is bounded by one bucket of
// the build side at a time.
package chain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// joinFan is the bucket count for partitioned joins.
const joinFan = 32

// Edge is the slice of an edge row the reducer needs.
type Edge struct {
	Subject   string
	Predicate string
	Object    string
}

// EdgeScanner replays the merged edge table; the reducer rescans it
// once per hop.
type EdgeScanner func(ctx context.Context, fn func(Edge) error) error

// Reducer evaluates chain specifications over a merged edge table.
type Reducer struct {
	scan    EdgeScanner
	workDir string
	budget  int64
	logger  *logrus.Logger
}

// Result describes one evaluated chain.
type Result struct {
	Name   string
	Rows   uint64
	Shards []string
}

// New builds a reducer spilling under workDir.
func New(scan EdgeScanner, workDir string, budgetBytes int64, logger *logrus.Logger) *Reducer {
	return &Reducer{scan: scan, workDir: workDir, budget: budgetBytes, logger: logger}
}

// Run evaluates one chain and writes the distinct output relation as
// one or more TSV shards named from pathPrefix. Shards are a
// set-union; a chain producing no rows yields a single empty shard.
func (r *Reducer) Run(ctx context.Context, spec config.ChainConfig, pathPrefix string) (Result, error) {
	scratch := filepath.Join(r.workDir, "chain-"+spec.Name)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return Result{}, fmt.Errorf("create chain scratch: %w", err)
	}

	rel, err := r.seed(ctx, spec.Steps[0], scratch)
	if err != nil {
		return Result{}, err
	}
	for i, step := range spec.Steps[1:] {
		rel, err = r.join(ctx, rel, step, filepath.Join(scratch, fmt.Sprintf("hop%d", i+1)))
		if err != nil {
			return Result{}, err
		}
	}

	res, err := r.distinct(ctx, rel, pathPrefix)
	if err != nil {
		return Result{}, err
	}
	res.Name = spec.Name
	if res.Rows == 0 {
		r.logger.WithField("chain", spec.Name).Warn("chain produced no rows")
	} else {
		r.logger.WithFields(logrus.Fields{
			"chain":  spec.Name,
			"rows":   res.Rows,
			"shards": len(res.Shards),
		}).Info("chain complete")
	}
	return res, nil
}

// walkEnds returns the (from, to) identifiers of an edge under a step:
// forward steps walk subject→object, reversed ones object→subject.
func walkEnds(e Edge, step config.ChainStep) (string, string) {
	if step.Reverse {
		return e.Object, e.Subject
	}
	return e.Subject, e.Object
}

// matches filters an edge against a step's prefix and predicate
// restrictions. Empty identifiers never match anything.
func matches(e Edge, step config.ChainStep) bool {
	if e.Subject == "" || e.Object == "" {
		return false
	}
	if kgx.CuriePrefix(e.Subject) != step.Subject || kgx.CuriePrefix(e.Object) != step.Object {
		return false
	}
	return step.Predicate == "" || e.Predicate == step.Predicate
}

// seed builds the initial relation from the first step's matching
// edges: (walk-start, walk-end) pairs partitioned by walk-end, ready
// to join the next hop.
func (r *Reducer) seed(ctx context.Context, step config.ChainStep, scratch string) ([]string, error) {
	buckets, err := newBucketSet(filepath.Join(scratch, "hop0"), "rel")
	if err != nil {
		return nil, err
	}
	err = r.scan(ctx, func(e Edge) error {
		if !matches(e, step) {
			return nil
		}
		from, to := walkEnds(e, step)
		return buckets.put(to, pair{A: from, B: to})
	})
	if cerr := buckets.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return buckets.paths, nil
}

// join advances the relation through one step. Both sides are hash
// partitioned on the join key; each edge bucket is loaded as the build
// side while the relation bucket probes it.
func (r *Reducer) join(ctx context.Context, rel []string, step config.ChainStep, scratch string) ([]string, error) {
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("create chain scratch: %w", err)
	}

	// Build side: matching edges keyed by their walk-start.
	edges, err := newBucketSet(scratch, "edge")
	if err != nil {
		return nil, err
	}
	err = r.scan(ctx, func(e Edge) error {
		if !matches(e, step) {
			return nil
		}
		from, to := walkEnds(e, step)
		return edges.put(from, pair{A: from, B: to})
	})
	if cerr := edges.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	out, err := newBucketSet(scratch, "rel")
	if err != nil {
		return nil, err
	}
	for b := 0; b < joinFan; b++ {
		if err := ctx.Err(); err != nil {
			out.close()
			return nil, err
		}
		if err := r.joinBucket(ctx, rel[b], edges.paths[b], out); err != nil {
			out.close()
			return nil, err
		}
	}
	if err := out.close(); err != nil {
		return nil, err
	}
	return out.paths, nil
}

// joinBucket probes one relation bucket against the matching edge
// bucket. The build map holds one bucket only, roughly the filtered
// edge set divided by joinFan; its size is not checked against the
// budget.
func (r *Reducer) joinBucket(ctx context.Context, relPath, edgePath string, out *bucketSet) error {
	build := make(map[string][]string)
	err := scanPairs(edgePath, func(p pair) error {
		build[p.A] = append(build[p.A], p.B)
		return nil
	})
	if err != nil {
		return err
	}
	if len(build) == 0 {
		return nil
	}
	return scanPairs(relPath, func(p pair) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, next := range build[p.B] {
			if err := out.put(next, pair{A: p.A, B: next}); err != nil {
				return err
			}
		}
		return nil
	})
}

// distinct dedupes the final relation bucket by bucket and writes TSV
// shards. Buckets partition the key space, so per-bucket dedup is
// globally correct. After each bucket, a shard that has grown past the
// budget is closed and the next bucket starts a new shard, which bounds
// peak temporary size.
func (r *Reducer) distinct(ctx context.Context, rel []string, pathPrefix string) (Result, error) {
	var res Result

	shard := 0
	var w *os.File
	var shardBytes int64
	open := func() error {
		name := pathPrefix + ".tsv"
		if shard > 0 {
			name = fmt.Sprintf("%s.part%d.tsv", pathPrefix, shard)
		}
		f, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("create chain output: %w", err)
		}
		w = f
		res.Shards = append(res.Shards, name)
		shardBytes = 0
		return nil
	}
	if err := open(); err != nil {
		return Result{}, err
	}

	for _, path := range rel {
		if err := ctx.Err(); err != nil {
			w.Close()
			return Result{}, err
		}
		seen := make(map[pair]struct{})
		err := scanPairs(path, func(p pair) error {
			if _, dup := seen[p]; dup {
				return nil
			}
			seen[p] = struct{}{}
			line := p.A + "\t" + p.B + "\n"
			if _, err := w.WriteString(line); err != nil {
				return fmt.Errorf("write chain output: %w", err)
			}
			res.Rows++
			shardBytes += int64(len(line))
			return nil
		})
		if err != nil {
			w.Close()
			return Result{}, err
		}
		if shardBytes > r.budget {
			if err := w.Close(); err != nil {
				return Result{}, fmt.Errorf("close chain output: %w", err)
			}
			shard++
			if err := open(); err != nil {
				return Result{}, err
			}
		}
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("close chain output: %w", err)
	}

	// Drop a trailing empty shard created by a final rotation.
	if shard > 0 && shardBytes == 0 {
		last := res.Shards[len(res.Shards)-1]
		os.Remove(last)
		res.Shards = res.Shards[:len(res.Shards)-1]
	}
	return res, nil
}

// bucketSet is a fixed fan of pair spill files keyed by xxhash.
type bucketSet struct {
	paths   []string
	writers []*pairWriter
}

func newBucketSet(dir, stem string) (*bucketSet, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chain scratch: %w", err)
	}
	bs := &bucketSet{
		paths:   make([]string, joinFan),
		writers: make([]*pairWriter, joinFan),
	}
	for i := 0; i < joinFan; i++ {
		path := filepath.Join(dir, fmt.Sprintf("%s-%02d.gob", stem, i))
		w, err := newPairWriter(path)
		if err != nil {
			bs.close()
			return nil, err
		}
		bs.paths[i] = path
		bs.writers[i] = w
	}
	return bs, nil
}

func (b *bucketSet) put(key string, p pair) error {
	return b.writers[xxhash.Sum64String(key)%joinFan].append(p)
}

func (b *bucketSet) close() error {
	var first error
	for _, w := range b.writers {
		if w == nil {
			continue
		}
		if err := w.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
