package engine

import (
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/dedup"
	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
	"github.com/kgfuse/kgfuse-go/internal/reader"
)

// rowQueueDepth bounds the reader-to-canonicalizer queue. A full queue
// blocks the producers, which bounds peak memory independently of
// input size.
const rowQueueDepth = 1024

// seqShift partitions the Seq space per source: the high bits carry
// the source index, the low bits the row ordinal within the source
// (counted across all of its files), so Seq order
// equals the concatenated, config-ordered input order.
const seqShift = 40

// emitFactory builds the winner consumer once the table's union
// schema is known: it returns the per-row emit and a completion hook.
type emitFactory func(schema *kgx.Schema) (emit func(*kgx.Row) error, done func() error, err error)

// runTable streams one table kind through read → canonicalize →
// partition → merge, handing every winner to the emitter. Sources that
// fail to open or fail mid-read are refused and reported; the rest
// proceed.
func (e *Engine) runTable(ctx context.Context, kind reader.TableKind, sources []reader.Source, spillDir string, makeEmit emitFactory) (dedup.Result, []string, *kgx.Schema, error) {
	var (
		refusedMu sync.Mutex
		refused   []string
	)
	refuse := func(name string, err error) {
		e.logger.WithFields(logrus.Fields{
			"source": name,
			"error":  err.Error(),
		}).Error("source refused")
		refusedMu.Lock()
		refused = append(refused, name)
		refusedMu.Unlock()
	}

	readers := make([]*reader.Reader, 0, len(sources))
	order := make([]int, 0, len(sources)) // config index per open reader
	for i, src := range sources {
		r, err := reader.Open(src, e.sink)
		if err != nil {
			refuse(src.Name, err)
			continue
		}
		readers = append(readers, r)
		order = append(order, i)
	}

	schema := tableSchema(kind, readers)
	if len(readers) == 0 {
		// Nothing to read; still produce an empty, header-only output.
		_, done, err := makeEmit(schema)
		if err != nil {
			return dedup.Result{}, nil, nil, err
		}
		if err := done(); err != nil {
			return dedup.Result{}, nil, nil, err
		}
		return dedup.Result{}, refused, schema, nil
	}

	d, err := dedup.New(dedup.Options{
		Kind:                dedupKind(kind),
		SpillDir:            spillDir,
		PartitionBytes:      e.cfg.Memory.PartitionBytes,
		PredicateRank:       e.cfg.Dedup.PredicatePriority,
		ExemptPairs:         e.cfg.Dedup.FanoutExemptPairs,
		PrunedPairs:         e.cfg.Dedup.PrunedPairs,
		UnionInsertionOrder: e.cfg.Dedup.UnionInsertionOrder,
		Workers:             runtime.NumCPU(),
		Sink:                e.sink,
		Logger:              e.logger,
	}, schema)
	if err != nil {
		closeAll(readers)
		return dedup.Result{}, nil, nil, err
	}

	progress := rate.NewLimiter(rate.Every(progressInterval), 1)
	rows := make(chan *kgx.Row, rowQueueDepth)

	g, gctx := errgroup.WithContext(ctx)

	// One reader goroutine per source, assigning Seq in source order.
	var producers sync.WaitGroup
	for i, r := range readers {
		i, r := i, r
		producers.Add(1)
		base := uint64(order[i]) << seqShift
		src := sources[order[i]]
		g.Go(func() error {
			defer producers.Done()
			defer r.Close()
			var n uint64
			for {
				row, err := r.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					// A read error refuses the source; the run
					// degrades rather than aborts.
					refuse(src.Name, err)
					return nil
				}
				n++
				row.Seq = base | n
				select {
				case rows <- row:
				case <-gctx.Done():
					return gctx.Err()
				}
				if progress.Allow() {
					e.logger.WithFields(logrus.Fields{
						"source": src.Name,
						"rows":   n,
					}).Debug("reading")
				}
			}
		})
	}
	g.Go(func() error {
		producers.Wait()
		close(rows)
		return nil
	})

	// Canonicalizer pool: pure per-row work, embarrassingly parallel.
	workers := runtime.NumCPU()
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				select {
				case row, ok := <-rows:
					if !ok {
						return nil
					}
					if err := e.canonAndAdd(kind, d, schema, row); err != nil {
						return err
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return dedup.Result{}, nil, nil, err
	}
	if err := d.CloseWriters(); err != nil {
		return dedup.Result{}, nil, nil, err
	}

	// Rows of a source refused mid-read were already partitioned;
	// exclude them so a refused source contributes nothing.
	d.Exclude(refused)

	emit, done, err := makeEmit(schema)
	if err != nil {
		return dedup.Result{}, nil, nil, err
	}
	res, err := d.Merge(ctx, emit)
	if err != nil {
		return dedup.Result{}, nil, nil, err
	}
	if err := done(); err != nil {
		return dedup.Result{}, nil, nil, err
	}
	return res, refused, schema, nil
}

// canonAndAdd canonicalizes one row and routes it to its partition.
// Validation failures are counted and dropped, never fatal.
func (e *Engine) canonAndAdd(kind reader.TableKind, d *dedup.Deduper, schema *kgx.Schema, row *kgx.Row) error {
	if row.Schema != schema {
		row = row.Reproject(schema)
	}
	var ok bool
	if kind == reader.NodeTable {
		ok = e.canon.Node(row)
	} else {
		ok = e.canon.Edge(row)
	}
	if !ok {
		e.sink.Report(diag.KindInvalid, row.File, row.Line, "required field empty after canonicalization")
		return nil
	}
	return d.Add(row)
}

// tableSchema unions the open readers' schemas; with no readable
// source it degrades to the required columns so an empty output still
// carries a header.
func tableSchema(kind reader.TableKind, readers []*reader.Reader) *kgx.Schema {
	var schema *kgx.Schema
	for _, r := range readers {
		if schema == nil {
			schema = r.Schema()
		} else {
			schema = schema.Union(r.Schema())
		}
	}
	if schema == nil {
		if kind == reader.NodeTable {
			schema, _ = kgx.NewSchema([]string{kgx.ColID, kgx.ColCategory})
		} else {
			schema, _ = kgx.NewSchema([]string{kgx.ColSubject, kgx.ColPredicate, kgx.ColObject})
		}
	}
	return schema
}

func dedupKind(kind reader.TableKind) dedup.Kind {
	if kind == reader.NodeTable {
		return dedup.Nodes
	}
	return dedup.Edges
}

func closeAll(readers []*reader.Reader) {
	for _, r := range readers {
		r.Close()
	}
}

// sourcesFor builds the reader descriptors of one table kind, skipping
// sources that list no files for it.
func sourcesFor(kind reader.TableKind, cfgs []config.SourceConfig) []reader.Source {
	out := make([]reader.Source, 0, len(cfgs))
	for _, c := range cfgs {
		paths := c.NodesPath
		if kind == reader.EdgeTable {
			paths = c.EdgesPath
		}
		if len(paths) == 0 {
			continue
		}
		out = append(out, reader.Source{Name: c.Name, Rank: c.Rank, Kind: kind, Paths: paths})
	}
	return out
}
