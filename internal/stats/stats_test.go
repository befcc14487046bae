package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

func row(t *testing.T, cols []string, vals map[string]string, source string) *kgx.Row {
	t.Helper()
	schema, err := kgx.NewSchema(cols)
	require.NoError(t, err)
	r := &kgx.Row{Schema: schema, Values: make([]string, schema.Len()), Source: source}
	for k, v := range vals {
		r.Set(k, v)
	}
	return r
}

func TestFacetOrdering(t *testing.T) {
	c := NewCollector([]string{"category"}, nil)
	cols := []string{"id", "category"}

	for i := 0; i < 3; i++ {
		c.Node(row(t, cols, map[string]string{"category": "biolink:OrganismTaxon"}, "a"))
	}
	for i := 0; i < 3; i++ {
		c.Node(row(t, cols, map[string]string{"category": "biolink:ChemicalEntity"}, "a"))
	}
	c.Node(row(t, cols, map[string]string{"category": "biolink:MolecularActivity"}, "a"))

	doc := c.Document(nil, nil)
	require.EqualValues(t, 7, doc.Nodes.Total)

	entries := doc.Nodes.Facets["category"]
	require.Len(t, entries, 3)
	// Descending count, lexicographic tie-break.
	assert.Equal(t, "biolink:ChemicalEntity", entries[0].Value)
	assert.Equal(t, "biolink:OrganismTaxon", entries[1].Value)
	assert.Equal(t, "biolink:MolecularActivity", entries[2].Value)
}

func TestPerSourceContribution(t *testing.T) {
	c := NewCollector(nil, nil)
	nodeCols := []string{"id", "category"}
	edgeCols := []string{"subject", "predicate", "object"}

	c.Node(row(t, nodeCols, nil, "main"))
	c.Node(row(t, nodeCols, nil, "main"))
	c.Node(row(t, nodeCols, nil, "satellite"))
	c.Edge(row(t, edgeCols, nil, "satellite"))

	doc := c.Document([]SourceRank{
		{Name: "satellite", Rank: 1},
		{Name: "main", Rank: 0},
	}, nil)

	require.Len(t, doc.Sources, 2)
	// Ordered by rank.
	assert.Equal(t, "main", doc.Sources[0].Name)
	assert.EqualValues(t, 2, doc.Sources[0].NodesWon)
	assert.EqualValues(t, 0, doc.Sources[0].EdgesWon)
	assert.Equal(t, "satellite", doc.Sources[1].Name)
	assert.EqualValues(t, 1, doc.Sources[1].EdgesWon)
}

func TestDocumentRoundTrip(t *testing.T) {
	c := NewCollector([]string{"category"}, []string{"predicate"})
	c.Node(row(t, []string{"id", "category"}, map[string]string{"category": "x"}, "a"))
	c.Edge(row(t, []string{"subject", "predicate", "object"}, map[string]string{"predicate": "p"}, "a"))

	path := filepath.Join(t.TempDir(), "stats.yaml")
	doc := c.Document(nil, nil)
	require.NoError(t, doc.Write(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Document
	require.NoError(t, yaml.Unmarshal(data, &loaded))
	assert.EqualValues(t, 1, loaded.Nodes.Total)
	assert.EqualValues(t, 1, loaded.Edges.Total)
	assert.Equal(t, "p", loaded.Edges.Facets["predicate"][0].Value)
}

func TestStableOutputAcrossRuns(t *testing.T) {
	build := func() []byte {
		c := NewCollector([]string{"category"}, nil)
		for _, cat := range []string{"b", "a", "c", "a", "b", "b"} {
			c.Node(row(t, []string{"id", "category"}, map[string]string{"category": cat}, "s"))
		}
		path := filepath.Join(t.TempDir(), "stats.yaml")
		require.NoError(t, c.Document(nil, nil).Write(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, build(), build())
}
