// Package engine wires the pipeline together: tabular readers feed a
// canonicalizer pool, the deduplicator resolves winners out of core,
// and the chain reducer and statistics emitter run over the merged
// tables.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kgfuse/kgfuse-go/internal/canon"
	"github.com/kgfuse/kgfuse-go/internal/chain"
	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
	"github.com/kgfuse/kgfuse-go/internal/reader"
	"github.com/kgfuse/kgfuse-go/internal/spill"
	"github.com/kgfuse/kgfuse-go/internal/stats"
)

// progressInterval throttles per-source progress logging.
const progressInterval = 10 * time.Second

// ErrStrictDangling aborts a strict-mode run after the merge when edge
// references point at ids absent from the merged nodes.
var ErrStrictDangling = errors.New("dangling references in strict mode")

// Engine runs the merge described by one configuration.
type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger
	sink   *diag.Sink
	canon  *canon.Canonicalizer
}

// RunOptions selects the run mode.
type RunOptions struct {
	Only        string // "", "stats", or "chain=<name>"
	Resume      bool
	ForceResume bool
	Strict      bool
}

// RunResult summarizes a completed run.
type RunResult struct {
	Nodes    uint64
	Edges    uint64
	Dangling uint64
	Refused  []string
	Chains   []chain.Result
}

// New constructs an engine. The canonicalization tables are frozen
// here; nothing mutates them afterwards.
func New(cfg *config.Config, logger *logrus.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger,
		sink:   diag.NewSink(logger),
		canon:  canon.New(cfg.Canon),
	}
}

// Sink exposes the diagnostic counters, mainly for tests.
func (e *Engine) Sink() *diag.Sink { return e.sink }

// Run executes the configured merge. Partial failure (refused sources)
// is reported in the result, not as an error.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	switch {
	case opts.Only == "stats":
		return e.runStatsOnly(ctx)
	case strings.HasPrefix(opts.Only, "chain="):
		return e.runChainOnly(ctx, strings.TrimPrefix(opts.Only, "chain="), opts)
	case opts.Only != "":
		return nil, fmt.Errorf("unknown --only mode %q", opts.Only)
	}

	area, err := spill.Open(e.cfg.Memory.SpillDir, opts.Resume, opts.ForceResume)
	if err != nil {
		return nil, err
	}
	defer area.Close()

	start := time.Now()
	e.logger.WithFields(logrus.Fields{
		"sources": len(e.cfg.Sources),
		"run_id":  area.RunID,
	}).Info("starting merge")

	collector := stats.NewCollector(e.cfg.Stats.NodeFacets, e.cfg.Stats.EdgeFacets)

	danglingDir, err := area.Subdir("dangling")
	if err != nil {
		return nil, err
	}
	checker, err := newDanglingChecker(danglingDir)
	if err != nil {
		return nil, err
	}

	result := &RunResult{}

	// Phase 1: nodes.
	nodeSpill, err := area.Subdir("nodes")
	if err != nil {
		return nil, err
	}
	nodePath := filepath.Join(e.cfg.Output.Dir, e.cfg.Output.NodeFile)
	nodeRes, refused, _, err := e.runTable(ctx, reader.NodeTable,
		sourcesFor(reader.NodeTable, e.cfg.Sources), nodeSpill,
		func(schema *kgx.Schema) (func(*kgx.Row) error, func() error, error) {
			w, err := newTSVWriter(nodePath, schema, kgx.NodeColumnUniverse)
			if err != nil {
				return nil, nil, err
			}
			emit := func(row *kgx.Row) error {
				if err := w.write(row); err != nil {
					return err
				}
				collector.Node(row)
				return checker.addNode(row.Get(kgx.ColID))
			}
			return emit, w.close, nil
		})
	if err != nil {
		return nil, err
	}
	result.Nodes = nodeRes.Kept
	result.Refused = append(result.Refused, refused...)

	e.logger.WithFields(logrus.Fields{
		"kept":      nodeRes.Kept,
		"collapsed": nodeRes.Collapsed,
	}).Info("nodes merged")

	// Phase 2: edges.
	edgeSpill, err := area.Subdir("edges")
	if err != nil {
		return nil, err
	}
	edgePath := filepath.Join(e.cfg.Output.Dir, e.cfg.Output.EdgeFile)
	edgeRes, refused, _, err := e.runTable(ctx, reader.EdgeTable,
		sourcesFor(reader.EdgeTable, e.cfg.Sources), edgeSpill,
		func(schema *kgx.Schema) (func(*kgx.Row) error, func() error, error) {
			w, err := newTSVWriter(edgePath, schema, kgx.EdgeColumnUniverse)
			if err != nil {
				return nil, nil, err
			}
			emit := func(row *kgx.Row) error {
				if err := w.write(row); err != nil {
					return err
				}
				collector.Edge(row)
				if err := checker.addRef(row.Get(kgx.ColSubject)); err != nil {
					return err
				}
				return checker.addRef(row.Get(kgx.ColObject))
			}
			return emit, w.close, nil
		})
	if err != nil {
		return nil, err
	}
	result.Edges = edgeRes.Kept
	result.Refused = append(result.Refused, refused...)

	e.logger.WithFields(logrus.Fields{
		"kept":      edgeRes.Kept,
		"collapsed": edgeRes.Collapsed,
		"pruned":    edgeRes.Pruned,
	}).Info("edges merged")

	// Phase 3: dangling references.
	dangling, err := checker.count(e.sink)
	if err != nil {
		return nil, err
	}
	result.Dangling = dangling
	if dangling > 0 {
		e.logger.WithField("count", dangling).Warn("dangling edge references")
		if opts.Strict {
			return nil, fmt.Errorf("%w: %d references", ErrStrictDangling, dangling)
		}
	}

	// Phase 4: chain reductions, independent chains in parallel.
	if len(e.cfg.Chains) > 0 {
		chainDir, err := area.Subdir("chains")
		if err != nil {
			return nil, err
		}
		results, err := e.runChains(ctx, e.cfg.Chains, edgePath, chainDir)
		if err != nil {
			return nil, err
		}
		result.Chains = results
	}

	// Phase 5: statistics over the post-merge state.
	doc := collector.Document(sourceRanks(e.cfg.Sources), e.sink)
	if err := doc.Write(filepath.Join(e.cfg.Output.Dir, e.cfg.Output.StatsFile)); err != nil {
		return nil, err
	}

	if err := area.Finish(); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"nodes":    result.Nodes,
		"edges":    result.Edges,
		"refused":  len(result.Refused),
		"duration": time.Since(start).String(),
	}).Info("merge complete")

	return result, nil
}

// runChains evaluates every chain against the merged edge table.
func (e *Engine) runChains(ctx context.Context, chains []config.ChainConfig, edgePath, scratch string) ([]chain.Result, error) {
	reducer := chain.New(e.edgeScanner(edgePath), scratch, e.cfg.Memory.PartitionBytes, e.logger)
	results := make([]chain.Result, len(chains))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, spec := range chains {
		i, spec := i, spec
		g.Go(func() error {
			prefix := filepath.Join(e.cfg.Output.Dir,
				fmt.Sprintf("%s_%s", e.cfg.Output.ChainFilePrefix, spec.Name))
			res, err := reducer.Run(gctx, spec, prefix)
			if err != nil {
				return fmt.Errorf("chain %s: %w", spec.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// edgeScanner replays the merged edge table for the chain reducer.
func (e *Engine) edgeScanner(edgePath string) chain.EdgeScanner {
	return func(ctx context.Context, fn func(chain.Edge) error) error {
		r, err := reader.Open(reader.Source{
			Name:  "merged",
			Kind:  reader.EdgeTable,
			Paths: []string{edgePath},
		}, e.sink)
		if err != nil {
			return err
		}
		defer r.Close()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			row, err := r.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			err = fn(chain.Edge{
				Subject:   row.Get(kgx.ColSubject),
				Predicate: row.Get(kgx.ColPredicate),
				Object:    row.Get(kgx.ColObject),
			})
			if err != nil {
				return err
			}
		}
	}
}

// runStatsOnly re-emits the statistics document from the existing
// merged tables. Per-source win counts need a full merge and stay
// zero here.
func (e *Engine) runStatsOnly(ctx context.Context) (*RunResult, error) {
	collector := stats.NewCollector(e.cfg.Stats.NodeFacets, e.cfg.Stats.EdgeFacets)
	result := &RunResult{}

	nodePath := filepath.Join(e.cfg.Output.Dir, e.cfg.Output.NodeFile)
	if err := e.scanMerged(ctx, reader.NodeTable, nodePath, func(row *kgx.Row) {
		collector.Node(row)
		result.Nodes++
	}); err != nil {
		return nil, err
	}

	edgePath := filepath.Join(e.cfg.Output.Dir, e.cfg.Output.EdgeFile)
	if err := e.scanMerged(ctx, reader.EdgeTable, edgePath, func(row *kgx.Row) {
		collector.Edge(row)
		result.Edges++
	}); err != nil {
		return nil, err
	}

	doc := collector.Document(sourceRanks(e.cfg.Sources), nil)
	if err := doc.Write(filepath.Join(e.cfg.Output.Dir, e.cfg.Output.StatsFile)); err != nil {
		return nil, err
	}
	return result, nil
}

// runChainOnly re-runs a single chain projection against the existing
// merged edge table.
func (e *Engine) runChainOnly(ctx context.Context, name string, opts RunOptions) (*RunResult, error) {
	spec, ok := e.cfg.Chain(name)
	if !ok {
		return nil, fmt.Errorf("chain %q not in configuration", name)
	}

	area, err := spill.Open(e.cfg.Memory.SpillDir, opts.Resume, opts.ForceResume)
	if err != nil {
		return nil, err
	}
	defer area.Close()

	chainDir, err := area.Subdir("chains")
	if err != nil {
		return nil, err
	}
	edgePath := filepath.Join(e.cfg.Output.Dir, e.cfg.Output.EdgeFile)
	results, err := e.runChains(ctx, []config.ChainConfig{spec}, edgePath, chainDir)
	if err != nil {
		return nil, err
	}
	if err := area.Finish(); err != nil {
		return nil, err
	}
	return &RunResult{Chains: results}, nil
}

func (e *Engine) scanMerged(ctx context.Context, kind reader.TableKind, path string, fn func(*kgx.Row)) error {
	r, err := reader.Open(reader.Source{Name: "merged", Kind: kind, Paths: []string{path}}, e.sink)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(row)
	}
}

func sourceRanks(sources []config.SourceConfig) []stats.SourceRank {
	out := make([]stats.SourceRank, 0, len(sources))
	for _, s := range sources {
		out = append(out, stats.SourceRank{Name: s.Name, Rank: s.Rank})
	}
	return out
}
