package chain

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgfuse/kgfuse-go/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func scannerOf(edges []Edge) EdgeScanner {
	return func(ctx context.Context, fn func(Edge) error) error {
		for _, e := range edges {
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	}
}

func readShards(t *testing.T, shards []string) []string {
	t.Helper()
	var lines []string
	for _, path := range shards {
		f, err := os.Open(path)
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if sc.Text() != "" {
				lines = append(lines, sc.Text())
			}
		}
		require.NoError(t, sc.Err())
		require.NoError(t, f.Close())
	}
	sort.Strings(lines)
	return lines
}

// taxonToChebi is the proteome walk: taxon ← proteome ← protein →
// reaction → chemical, with a predicate restriction on the last hop.
func taxonToChebi() config.ChainConfig {
	return config.ChainConfig{
		Name: "taxon_to_chebi",
		Steps: []config.ChainStep{
			{Subject: "Proteomes", Object: "NCBITaxon", Reverse: true},
			{Subject: "UniprotKB", Object: "Proteomes", Reverse: true},
			{Subject: "UniprotKB", Object: "RHEA"},
			{Subject: "RHEA", Object: "CHEBI", Predicate: "biolink:has_output"},
		},
	}
}

func TestTaxonToChebiChain(t *testing.T) {
	edges := []Edge{
		{Subject: "Proteomes:UP1", Predicate: "biolink:derives_from", Object: "NCBITaxon:562"},
		{Subject: "UniprotKB:X", Predicate: "biolink:derives_from", Object: "Proteomes:UP1"},
		{Subject: "UniprotKB:X", Predicate: "biolink:participates_in", Object: "RHEA:R1"},
		{Subject: "RHEA:R1", Predicate: "biolink:has_output", Object: "CHEBI:C1"},
		// Wrong predicate on the last hop: must not contribute.
		{Subject: "RHEA:R1", Predicate: "biolink:has_input", Object: "CHEBI:C2"},
	}

	r := New(scannerOf(edges), t.TempDir(), 1<<20, testLogger())
	res, err := r.Run(context.Background(), taxonToChebi(), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Rows)
	assert.Equal(t, []string{"NCBITaxon:562\tCHEBI:C1"}, readShards(t, res.Shards))
}

func TestChainDistinctOutput(t *testing.T) {
	// Two proteins on the same proteome reaching the same chemical
	// must collapse to a single output tuple.
	edges := []Edge{
		{Subject: "Proteomes:UP1", Predicate: "p", Object: "NCBITaxon:562"},
		{Subject: "UniprotKB:X", Predicate: "p", Object: "Proteomes:UP1"},
		{Subject: "UniprotKB:Y", Predicate: "p", Object: "Proteomes:UP1"},
		{Subject: "UniprotKB:X", Predicate: "p", Object: "RHEA:R1"},
		{Subject: "UniprotKB:Y", Predicate: "p", Object: "RHEA:R1"},
		{Subject: "RHEA:R1", Predicate: "biolink:has_output", Object: "CHEBI:C1"},
	}

	r := New(scannerOf(edges), t.TempDir(), 1<<20, testLogger())
	res, err := r.Run(context.Background(), taxonToChebi(), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.EqualValues(t, 1, res.Rows)
}

func TestChainMissingHopOmitsTuple(t *testing.T) {
	edges := []Edge{
		{Subject: "Proteomes:UP1", Predicate: "p", Object: "NCBITaxon:562"},
		// No protein attaches to UP1; the walk dies here.
		{Subject: "RHEA:R1", Predicate: "biolink:has_output", Object: "CHEBI:C1"},
	}

	r := New(scannerOf(edges), t.TempDir(), 1<<20, testLogger())
	res, err := r.Run(context.Background(), taxonToChebi(), filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Rows)
	require.Len(t, res.Shards, 1)
	assert.Empty(t, readShards(t, res.Shards))
}

func TestChainEmptyIdentifiersNeverMatch(t *testing.T) {
	edges := []Edge{
		{Subject: "", Predicate: "p", Object: "NCBITaxon:562"},
		{Subject: "Proteomes:UP1", Predicate: "p", Object: ""},
	}
	spec := config.ChainConfig{
		Name:  "single",
		Steps: []config.ChainStep{{Subject: "Proteomes", Object: "NCBITaxon"}},
	}

	r := New(scannerOf(edges), t.TempDir(), 1<<20, testLogger())
	res, err := r.Run(context.Background(), spec, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.Rows)
}

func TestChainSelfLoopPreserved(t *testing.T) {
	edges := []Edge{
		{Subject: "GO:1", Predicate: "p", Object: "GO:1"},
	}
	spec := config.ChainConfig{
		Name:  "loops",
		Steps: []config.ChainStep{{Subject: "GO", Object: "GO"}},
	}

	r := New(scannerOf(edges), t.TempDir(), 1<<20, testLogger())
	res, err := r.Run(context.Background(), spec, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	assert.Equal(t, []string{"GO:1\tGO:1"}, readShards(t, res.Shards))
}

func TestChainShardedOutputIsSetUnion(t *testing.T) {
	var edges []Edge
	for i := 0; i < 500; i++ {
		id := "CHEBI:" + strings.Repeat("x", 20) + itoa(i)
		edges = append(edges, Edge{Subject: "NCBITaxon:" + itoa(i), Predicate: "p", Object: id})
	}
	spec := config.ChainConfig{
		Name:  "wide",
		Steps: []config.ChainStep{{Subject: "NCBITaxon", Object: "CHEBI"}},
	}

	// A tiny budget forces shard rotation.
	r := New(scannerOf(edges), t.TempDir(), 512, testLogger())
	res, err := r.Run(context.Background(), spec, filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)

	assert.Greater(t, len(res.Shards), 1)
	assert.EqualValues(t, 500, res.Rows)
	assert.Len(t, readShards(t, res.Shards), 500)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
