// Package stats accumulates merged-graph statistics in a single pass
// and renders them as a stable YAML document.
package stats

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kgfuse/kgfuse-go/internal/diag"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// Collector counts totals and facet distributions while the merged
// tables stream past. Not safe for concurrent use; the engine feeds it
// from the single output-writer goroutine.
type Collector struct {
	nodeFacets []string
	edgeFacets []string

	nodeTotal uint64
	edgeTotal uint64

	nodeCounts []map[string]uint64
	edgeCounts []map[string]uint64

	nodesWon map[string]uint64
	edgesWon map[string]uint64
}

// NewCollector configures facet columns for nodes and edges.
func NewCollector(nodeFacets, edgeFacets []string) *Collector {
	c := &Collector{
		nodeFacets: nodeFacets,
		edgeFacets: edgeFacets,
		nodesWon:   make(map[string]uint64),
		edgesWon:   make(map[string]uint64),
	}
	c.nodeCounts = make([]map[string]uint64, len(nodeFacets))
	for i := range c.nodeCounts {
		c.nodeCounts[i] = make(map[string]uint64)
	}
	c.edgeCounts = make([]map[string]uint64, len(edgeFacets))
	for i := range c.edgeCounts {
		c.edgeCounts[i] = make(map[string]uint64)
	}
	return c
}

// Node folds one merged node row into the counts.
func (c *Collector) Node(row *kgx.Row) {
	c.nodeTotal++
	for i, col := range c.nodeFacets {
		c.nodeCounts[i][row.Get(col)]++
	}
	c.nodesWon[row.Source]++
}

// Edge folds one merged edge row into the counts.
func (c *Collector) Edge(row *kgx.Row) {
	c.edgeTotal++
	for i, col := range c.edgeFacets {
		c.edgeCounts[i][row.Get(col)]++
	}
	c.edgesWon[row.Source]++
}

// FacetEntry is one (value, count) line of a facet distribution.
type FacetEntry struct {
	Value string `yaml:"value"`
	Count uint64 `yaml:"count"`
}

// TableStats describes one merged table.
type TableStats struct {
	Total  uint64                  `yaml:"total"`
	Facets map[string][]FacetEntry `yaml:"facets"`
}

// SourceStats is one source's dedup contribution.
type SourceStats struct {
	Name     string `yaml:"name"`
	Rank     int    `yaml:"rank"`
	NodesWon uint64 `yaml:"nodes_won"`
	EdgesWon uint64 `yaml:"edges_won"`
}

// Document is the full stats file.
type Document struct {
	Nodes       TableStats        `yaml:"nodes"`
	Edges       TableStats        `yaml:"edges"`
	Sources     []SourceStats     `yaml:"sources"`
	Diagnostics map[string]uint64 `yaml:"diagnostics,omitempty"`
	Dangling    map[string]uint64 `yaml:"dangling_by_prefix,omitempty"`
}

// SourceRank pairs a configured source name with its rank for the
// per-source section.
type SourceRank struct {
	Name string
	Rank int
}

// Document assembles the final stats document. Facet values are
// ordered by descending count with a lexicographic tie-break so the
// output is byte-stable across runs.
func (c *Collector) Document(sources []SourceRank, sink *diag.Sink) *Document {
	doc := &Document{
		Nodes: TableStats{Total: c.nodeTotal, Facets: make(map[string][]FacetEntry, len(c.nodeFacets))},
		Edges: TableStats{Total: c.edgeTotal, Facets: make(map[string][]FacetEntry, len(c.edgeFacets))},
	}
	for i, col := range c.nodeFacets {
		doc.Nodes.Facets[col] = facetEntries(c.nodeCounts[i])
	}
	for i, col := range c.edgeFacets {
		doc.Edges.Facets[col] = facetEntries(c.edgeCounts[i])
	}

	for _, s := range sources {
		doc.Sources = append(doc.Sources, SourceStats{
			Name:     s.Name,
			Rank:     s.Rank,
			NodesWon: c.nodesWon[s.Name],
			EdgesWon: c.edgesWon[s.Name],
		})
	}
	sort.Slice(doc.Sources, func(i, j int) bool {
		if doc.Sources[i].Rank != doc.Sources[j].Rank {
			return doc.Sources[i].Rank < doc.Sources[j].Rank
		}
		return doc.Sources[i].Name < doc.Sources[j].Name
	})

	if sink != nil {
		counts := sink.Counts()
		if len(counts) > 0 {
			doc.Diagnostics = make(map[string]uint64, len(counts))
			for k, v := range counts {
				doc.Diagnostics[string(k)] = v
			}
		}
		if byPrefix := sink.DanglingByPrefix(); len(byPrefix) > 0 {
			doc.Dangling = byPrefix
		}
	}
	return doc
}

// Write renders the document to path as YAML.
func (d *Document) Write(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create stats file: %w", err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		f.Close()
		return fmt.Errorf("write stats file: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("write stats file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close stats file: %w", err)
	}
	return nil
}

func facetEntries(counts map[string]uint64) []FacetEntry {
	entries := make([]FacetEntry, 0, len(counts))
	for v, n := range counts {
		entries = append(entries, FacetEntry{Value: v, Count: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Value < entries[j].Value
	})
	return entries
}
