package dedup

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// respillFan is the bucket count used when an oversized partition is
// re-partitioned at the next depth.
const respillFan = 16

// maxRespillDepth caps recursion; hitting it means nearly every row
// shares one key and the accumulator has to absorb the skew in memory.
const maxRespillDepth = 8

// partStats aggregates a partition's contribution to the Result.
type partStats struct {
	kept        uint64
	collapsed   uint64
	wonBySource map[string]uint64
}

func (s *partStats) fold(o partStats) {
	s.kept += o.kept
	s.collapsed += o.collapsed
	if s.wonBySource == nil {
		s.wonBySource = make(map[string]uint64)
	}
	for k, v := range o.wonBySource {
		s.wonBySource[k] += v
	}
}

// Merge resolves every partition and streams the winners to emit in
// first-occurrence order. The emitted rows carry the key's first
// occurrence ordinal in Seq so downstream ordering is reproducible.
func (d *Deduper) Merge(ctx context.Context, emit func(*kgx.Row) error) (Result, error) {
	var (
		mu    sync.Mutex
		total partStats
	)
	winnerPaths := make([]string, len(d.writers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for i, w := range d.writers {
		i, w := i, w
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := filepath.Join(d.opts.SpillDir, fmt.Sprintf("winners-p%04d.gob", i))
			stats, err := d.resolvePartition(gctx, w.path, 0, out)
			if err != nil {
				return err
			}
			winnerPaths[i] = out
			mu.Lock()
			total.fold(stats)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	d.logf().WithFields(map[string]interface{}{
		"kept":      total.kept,
		"collapsed": total.collapsed,
	}).Info("partition merge complete")

	if err := d.emitMerged(ctx, winnerPaths, emit); err != nil {
		return Result{}, err
	}

	d.opts.Sink.Count(diag.KindDuplicate, total.collapsed)
	prunedTotal := d.opts.Sink.Counts()[diag.KindPruned]
	return Result{
		Kept:        total.kept,
		Collapsed:   total.collapsed,
		Pruned:      prunedTotal,
		WonBySource: total.wonBySource,
	}, nil
}

// resolvePartition merges one run file into a winners file sorted by
// first occurrence. A run file over the memory budget is re-spilled
// into sub-partitions first.
func (d *Deduper) resolvePartition(ctx context.Context, path string, depth int, out string) (partStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return partStats{}, fmt.Errorf("stat partition %s: %w", path, err)
	}
	if info.Size() > d.opts.PartitionBytes && depth < maxRespillDepth {
		return d.respill(ctx, path, depth, out)
	}
	return d.mergeInMemory(ctx, path, out)
}

// mergeInMemory loads one partition, resolves winners, and writes them
// ordered by first occurrence.
func (d *Deduper) mergeInMemory(ctx context.Context, path, out string) (partStats, error) {
	r, err := openPartition(path)
	if err != nil {
		return partStats{}, err
	}
	defer r.close()

	accs := make(map[string]*accumulator)
	var order []string // keys in first-occurrence order of this partition

	for {
		if err := ctx.Err(); err != nil {
			return partStats{}, err
		}
		row, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return partStats{}, err
		}
		if d.excluded[row.Source] {
			continue
		}
		key := d.key(row)
		acc, ok := accs[key]
		if !ok {
			acc = newAccumulator(row.Seq, len(d.setCols))
			accs[key] = acc
			order = append(order, key)
		}
		acc.observe(row, d.better, d.setCols)
	}

	// Partition appends preserve arrival order, but arrival order
	// interleaves sources; sort keys by the first ingest ordinal.
	sortKeysByFirstSeq(order, accs)

	w, err := newPartitionWriter(out, d.schema)
	if err != nil {
		return partStats{}, err
	}
	stats := partStats{wonBySource: make(map[string]uint64)}
	for _, key := range order {
		acc := accs[key]
		row := acc.emit(d.setCols, d.opts.UnionInsertionOrder)
		row = row.Clone()
		row.Seq = acc.firstSeq
		if err := w.append(row); err != nil {
			w.close()
			return partStats{}, err
		}
		stats.kept++
		stats.collapsed += acc.rows - 1
		stats.wonBySource[row.Source]++
	}
	if err := w.close(); err != nil {
		return partStats{}, err
	}
	return stats, nil
}

// respill splits an oversized run file across fresh buckets at the
// next depth, resolves each, and k-way merges their winners.
func (d *Deduper) respill(ctx context.Context, path string, depth int, out string) (partStats, error) {
	d.logf().WithFields(map[string]interface{}{
		"partition": path,
		"depth":     depth + 1,
	}).Debug("re-partitioning oversized run file")

	r, err := openPartition(path)
	if err != nil {
		return partStats{}, err
	}
	subs := make([]*partitionWriter, respillFan)
	base := path[:len(path)-len(filepath.Ext(path))]
	for i := range subs {
		w, err := newPartitionWriter(fmt.Sprintf("%s-d%d-s%02d.gob", base, depth+1, i), d.schema)
		if err != nil {
			r.close()
			return partStats{}, err
		}
		subs[i] = w
	}
	for {
		if err := ctx.Err(); err != nil {
			r.close()
			return partStats{}, err
		}
		row, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.close()
			return partStats{}, err
		}
		bucket := partitionHash(d.key(row), depth+1) % respillFan
		if err := subs[bucket].append(row); err != nil {
			r.close()
			return partStats{}, err
		}
	}
	r.close()

	parentSize := int64(0)
	if info, err := os.Stat(path); err == nil {
		parentSize = info.Size()
	}

	var total partStats
	winnerPaths := make([]string, 0, respillFan)
	for i, w := range subs {
		if err := w.close(); err != nil {
			return partStats{}, err
		}
		sub := fmt.Sprintf("%s-d%d-s%02d-winners.gob", base, depth+1, i)
		var stats partStats
		info, err := os.Stat(w.path)
		if err != nil {
			return partStats{}, fmt.Errorf("stat partition %s: %w", w.path, err)
		}
		if info.Size() >= parentSize {
			// The split made no progress (one key dominates); absorb
			// the skew in memory rather than recursing forever.
			stats, err = d.mergeInMemory(ctx, w.path, sub)
		} else {
			stats, err = d.resolvePartition(ctx, w.path, depth+1, sub)
		}
		if err != nil {
			return partStats{}, err
		}
		total.fold(stats)
		winnerPaths = append(winnerPaths, sub)
	}

	w, err := newPartitionWriter(out, d.schema)
	if err != nil {
		return partStats{}, err
	}
	err = kwayMerge(winnerPaths, func(row *kgx.Row) error { return w.append(row) })
	if cerr := w.close(); err == nil {
		err = cerr
	}
	if err != nil {
		return partStats{}, err
	}
	return total, nil
}

// emitMerged k-way merges the per-partition winner files by first
// occurrence and hands each row to emit.
func (d *Deduper) emitMerged(ctx context.Context, paths []string, emit func(*kgx.Row) error) error {
	return kwayMerge(paths, func(row *kgx.Row) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return emit(row)
	})
}

func sortKeysByFirstSeq(order []string, accs map[string]*accumulator) {
	// Insertion into order already approximates Seq order; sort makes
	// it exact without assuming anything about writer interleaving.
	sort.Slice(order, func(i, j int) bool {
		return accs[order[i]].firstSeq < accs[order[j]].firstSeq
	})
}

// seqHeap merges winner streams ordered by Seq.
type seqHeap []*heapEntry

type heapEntry struct {
	row *kgx.Row
	r   *partitionReader
}

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].row.Seq < h[j].row.Seq }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*heapEntry)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// kwayMerge streams rows from already-sorted winner files in global
// Seq order.
func kwayMerge(paths []string, emit func(*kgx.Row) error) error {
	h := &seqHeap{}
	var readers []*partitionReader
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()

	for _, path := range paths {
		r, err := openPartition(path)
		if err != nil {
			return err
		}
		readers = append(readers, r)
		row, err := r.next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, &heapEntry{row: row, r: r})
	}
	heap.Init(h)

	for h.Len() > 0 {
		e := heap.Pop(h).(*heapEntry)
		if err := emit(e.row); err != nil {
			return err
		}
		row, err := e.r.next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, &heapEntry{row: row, r: e.r})
	}
	return nil
}
