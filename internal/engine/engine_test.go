package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/spill"
	"github.com/kgfuse/kgfuse-go/internal/stats"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func writeTSV(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.SpillDir = filepath.Join(t.TempDir(), "spill")
	cfg.Output.Dir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func run(t *testing.T, cfg *config.Config) *RunResult {
	t.Helper()
	eng := New(cfg, testLogger())
	res, err := eng.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	return res
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func readStats(t *testing.T, cfg *config.Config) stats.Document {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cfg.Output.Dir, cfg.Output.StatsFile))
	require.NoError(t, err)
	var doc stats.Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

// cell returns a named column of a header-first TSV line set.
func cell(t *testing.T, lines []string, rowIdx int, col string) string {
	t.Helper()
	header := strings.Split(lines[0], "\t")
	fields := strings.Split(lines[rowIdx], "\t")
	for i, h := range header {
		if h == col {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
	}
	t.Fatalf("column %q not in header %v", col, header)
	return ""
}

func TestMergePrefixRewriteAndNodeDedup(t *testing.T) {
	dir := t.TempDir()
	a := writeTSV(t, dir, "a_nodes.tsv",
		"id\tcategory\tname\nmedium:1\tbiolink:ChemicalEntity\tNUTRIENT AGAR\n")
	b := writeTSV(t, dir, "b_nodes.tsv",
		"id\tcategory\tname\nmediadive.medium:1\tbiolink:ChemicalMixture\t\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "a", Rank: 0, NodesPath: []string{a}},
		{Name: "b", Rank: 1, NodesPath: []string{b}},
	}

	res := run(t, cfg)
	assert.EqualValues(t, 1, res.Nodes)

	lines := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.NodeFile))
	require.Len(t, lines, 2) // header + one node
	assert.Equal(t, "mediadive.medium:1", cell(t, lines, 1, "id"))
	assert.Equal(t, "METPO:1004005", cell(t, lines, 1, "category"))
	assert.Equal(t, "NUTRIENT AGAR", cell(t, lines, 1, "name"))
}

func TestMergeEdgeRules(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nNCBITaxon:562\tbiolink:OrganismTaxon\n")
	edges := writeTSV(t, dir, "edges.tsv", strings.Join([]string{
		"subject\tpredicate\tobject",
		// Scenario 2: predicate priority.
		"NCBITaxon:562\tbiolink:superclass_of\tGO:0006096",
		"NCBITaxon:562\tbiolink:subclass_of\tGO:0006096",
		// Scenario 3: fan-out exempt pair keeps both.
		"NCBITaxon:562\tbiolink:consumes\tCHEBI:17234",
		"NCBITaxon:562\tMETPO:2000006\tCHEBI:17234",
		// Scenario 4: pruned pair.
		"UniprotKB:P0A6F5\tbiolink:derives_from\tNCBITaxon:562",
	}, "\n") + "\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}

	res := run(t, cfg)
	assert.EqualValues(t, 3, res.Edges)

	lines := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.EdgeFile))
	require.Len(t, lines, 4)

	var predicates []string
	var subjects []string
	for i := 1; i < len(lines); i++ {
		predicates = append(predicates, cell(t, lines, i, "predicate"))
		subjects = append(subjects, cell(t, lines, i, "subject"))
	}
	assert.Contains(t, predicates, "biolink:subclass_of")
	assert.NotContains(t, predicates, "biolink:superclass_of")
	assert.Contains(t, predicates, "biolink:consumes")
	assert.Contains(t, predicates, "METPO:2000006")
	assert.NotContains(t, subjects, "UniprotKB:P0A6F5")
}

func TestChainReduction(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nNCBITaxon:562\tbiolink:OrganismTaxon\n")
	edges := writeTSV(t, dir, "edges.tsv", strings.Join([]string{
		"subject\tpredicate\tobject",
		"Proteomes:UP1\tbiolink:derives_from\tNCBITaxon:562",
		"UniprotKB:X\tbiolink:derives_from\tProteomes:UP1",
		"UniprotKB:X\tbiolink:participates_in\tRHEA:R1",
		"RHEA:R1\tbiolink:has_output\tCHEBI:C1",
	}, "\n") + "\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}
	cfg.Chains = []config.ChainConfig{{
		Name: "taxon_to_chebi",
		Steps: []config.ChainStep{
			{Subject: "Proteomes", Object: "NCBITaxon", Reverse: true},
			{Subject: "UniprotKB", Object: "Proteomes", Reverse: true},
			{Subject: "UniprotKB", Object: "RHEA"},
			{Subject: "RHEA", Object: "CHEBI", Predicate: "biolink:has_output"},
		},
	}}

	res := run(t, cfg)
	require.Len(t, res.Chains, 1)
	assert.EqualValues(t, 1, res.Chains[0].Rows)

	lines := readLines(t, filepath.Join(cfg.Output.Dir, "chain_taxon_to_chebi.tsv"))
	require.Len(t, lines, 1)
	assert.Equal(t, "NCBITaxon:562\tCHEBI:C1", lines[0])
}

func TestDanglingReferencesCounted(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nGO:1\tx\n")
	edges := writeTSV(t, dir, "edges.tsv",
		"subject\tpredicate\tobject\nGO:1\tp\tGO:999\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}

	res := run(t, cfg)
	assert.EqualValues(t, 1, res.Dangling)

	doc := readStats(t, cfg)
	assert.EqualValues(t, 1, doc.Diagnostics["dangling_refs"])
	assert.EqualValues(t, 1, doc.Dangling["GO"])
}

func TestStrictModeFailsOnDangling(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nGO:1\tx\n")
	edges := writeTSV(t, dir, "edges.tsv",
		"subject\tpredicate\tobject\nGO:1\tp\tGO:999\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}

	eng := New(cfg, testLogger())
	_, err := eng.Run(context.Background(), RunOptions{Strict: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStrictDangling))
}

func TestRefusedSourceDegradesRun(t *testing.T) {
	dir := t.TempDir()
	good := writeTSV(t, dir, "good_nodes.tsv", "id\tcategory\nGO:1\tx\n")
	bad := writeTSV(t, dir, "bad_nodes.tsv", "name\tdescription\noops\tno id here\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "good", Rank: 0, NodesPath: []string{good}},
		{Name: "bad", Rank: 1, NodesPath: []string{bad}},
	}

	res := run(t, cfg)
	assert.Equal(t, []string{"bad"}, res.Refused)
	assert.EqualValues(t, 1, res.Nodes)
}

func TestEmptySourcesProduceEmptyOutputs(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\n")
	edges := writeTSV(t, dir, "edges.tsv", "subject\tpredicate\tobject\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}

	res := run(t, cfg)
	assert.EqualValues(t, 0, res.Nodes)
	assert.EqualValues(t, 0, res.Edges)

	nodeLines := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.NodeFile))
	require.Len(t, nodeLines, 1) // header only
	assert.Contains(t, nodeLines[0], "id")
}

func TestMergeIdempotent(t *testing.T) {
	dir := t.TempDir()
	nodesA := writeTSV(t, dir, "a_nodes.tsv",
		"id\tcategory\tname\txref\nmedium:1\tbiolink:ChemicalEntity\tNUTRIENT AGAR\tB:2|A:1\nGO:1\tbiolink:MolecularActivity\tglycolysis\t\n")
	edgesA := writeTSV(t, dir, "a_edges.tsv", strings.Join([]string{
		"subject\tpredicate\tobject",
		"GO:1\tbiolink:subclass_of\tGO:2",
		"NCBITaxon:562\tbiolink:consumes\tCHEBI:17234",
	}, "\n") + "\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "a", Rank: 0, NodesPath: []string{nodesA}, EdgesPath: []string{edgesA}},
	}
	run(t, cfg)

	nodes1 := filepath.Join(cfg.Output.Dir, cfg.Output.NodeFile)
	edges1 := filepath.Join(cfg.Output.Dir, cfg.Output.EdgeFile)

	cfg2 := baseConfig(t)
	cfg2.Sources = []config.SourceConfig{
		{Name: "merged", Rank: 0, NodesPath: []string{nodes1}, EdgesPath: []string{edges1}},
	}
	run(t, cfg2)

	out1, err := os.ReadFile(nodes1)
	require.NoError(t, err)
	out2, err := os.ReadFile(filepath.Join(cfg2.Output.Dir, cfg2.Output.NodeFile))
	require.NoError(t, err)
	assert.Equal(t, string(out1), string(out2))

	eout1, err := os.ReadFile(edges1)
	require.NoError(t, err)
	eout2, err := os.ReadFile(filepath.Join(cfg2.Output.Dir, cfg2.Output.EdgeFile))
	require.NoError(t, err)
	assert.Equal(t, string(eout1), string(eout2))
}

func TestDirtySpillRefused(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nGO:1\tx\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "s", Rank: 0, NodesPath: []string{nodes}}}

	// Leave a dirty manifest behind.
	area, err := spill.Open(cfg.Memory.SpillDir, false, false)
	require.NoError(t, err)
	require.NoError(t, area.Close())

	eng := New(cfg, testLogger())
	_, err = eng.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, spill.ErrDirty))

	// --force-resume recovers.
	_, err = eng.Run(context.Background(), RunOptions{ForceResume: true})
	require.NoError(t, err)
}

func TestOnlyStatsReemits(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv",
		"id\tcategory\nGO:1\tbiolink:MolecularActivity\nGO:2\tbiolink:MolecularActivity\n")
	edges := writeTSV(t, dir, "edges.tsv",
		"subject\tpredicate\tobject\nGO:1\tbiolink:subclass_of\tGO:2\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "s", Rank: 0, NodesPath: []string{nodes}, EdgesPath: []string{edges}},
	}
	run(t, cfg)

	statsPath := filepath.Join(cfg.Output.Dir, cfg.Output.StatsFile)
	require.NoError(t, os.Remove(statsPath))

	eng := New(cfg, testLogger())
	_, err := eng.Run(context.Background(), RunOptions{Only: "stats"})
	require.NoError(t, err)

	doc := readStats(t, cfg)
	assert.EqualValues(t, 2, doc.Nodes.Total)
	assert.EqualValues(t, 1, doc.Edges.Total)
	assert.Equal(t, "biolink:subclass_of", doc.Edges.Facets["predicate"][0].Value)
}

func TestStatsReflectMergedState(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", strings.Join([]string{
		"id\tcategory",
		"GO:1\tbiolink:MolecularActivity",
		"GO:1\tbiolink:MolecularActivity", // duplicate collapses
		"CHEBI:1\tbiolink:ChemicalEntity",
	}, "\n") + "\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "s", Rank: 0, NodesPath: []string{nodes}}}

	res := run(t, cfg)
	assert.EqualValues(t, 2, res.Nodes)

	doc := readStats(t, cfg)
	assert.EqualValues(t, 2, doc.Nodes.Total)
	require.Len(t, doc.Sources, 1)
	assert.EqualValues(t, 2, doc.Sources[0].NodesWon)
	assert.EqualValues(t, 1, doc.Diagnostics["duplicates_collapsed"])
}

func TestNodeOutputHasUniqueIDs(t *testing.T) {
	dir := t.TempDir()
	a := writeTSV(t, dir, "a_nodes.tsv",
		"id\tcategory\nGO:1\tx\nGO:2\tx\nGO:1\ty\n")
	b := writeTSV(t, dir, "b_nodes.tsv",
		"id\tcategory\nGO:2\tz\nGO:3\tz\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{
		{Name: "a", Rank: 0, NodesPath: []string{a}},
		{Name: "b", Rank: 1, NodesPath: []string{b}},
	}

	res := run(t, cfg)
	assert.EqualValues(t, 3, res.Nodes)

	lines := readLines(t, filepath.Join(cfg.Output.Dir, cfg.Output.NodeFile))
	seen := make(map[string]bool)
	for i := 1; i < len(lines); i++ {
		id := cell(t, lines, i, "id")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestCancelledRunAborts(t *testing.T) {
	dir := t.TempDir()
	nodes := writeTSV(t, dir, "nodes.tsv", "id\tcategory\nGO:1\tx\n")

	cfg := baseConfig(t)
	cfg.Sources = []config.SourceConfig{{Name: "s", Rank: 0, NodesPath: []string{nodes}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := New(cfg, testLogger())
	_, err := eng.Run(ctx, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
