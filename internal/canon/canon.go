// Package canon normalizes identifier and category spellings so that
// downstream equality tests are well-defined. All tables are carried
// on the Canonicalizer value; there is no package-level mutable state,
// so tests can instantiate alternate maps.
package canon

import (
	"regexp"
	"strings"

	"github.com/kgfuse/kgfuse-go/internal/config"
	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// defaultPrefixMap rewrites legacy identifier prefixes to their
// current registry entries.
var defaultPrefixMap = map[string]string{
	"medium":     "mediadive.medium",
	"solution":   "mediadive.solution",
	"ingredient": "mediadive.ingredient",
	"strain":     "kgmicrobe.strain",
	"ec":         "EC",
	"eccode":     "EC",
}

// defaultCategoryMap rewrites deprecated category names.
var defaultCategoryMap = map[string]string{
	kgx.CategoryChemicalSubstance: kgx.CategoryChemicalEntity,
}

// intEnzQuery matches the legacy IntEnz query form and captures the EC
// code.
var intEnzQuery = regexp.MustCompile(`intenz/query\?.*ec=([0-9.n-]+)`)

const expasyBase = "https://enzyme.expasy.org/EC/"

// Canonicalizer applies the §4.2 transformations. Construct once at
// engine startup; Node and Edge are pure and safe for concurrent use.
type Canonicalizer struct {
	prefixMap   map[string]string
	categoryMap map[string]string
}

// New builds a canonicalizer from the built-in tables extended by the
// configuration.
func New(cfg config.CanonConfig) *Canonicalizer {
	c := &Canonicalizer{
		prefixMap:   make(map[string]string, len(defaultPrefixMap)+len(cfg.PrefixMap)),
		categoryMap: make(map[string]string, len(defaultCategoryMap)+len(cfg.CategoryMap)),
	}
	for k, v := range defaultPrefixMap {
		c.prefixMap[k] = v
	}
	for k, v := range cfg.PrefixMap {
		c.prefixMap[strings.TrimSuffix(k, ":")] = strings.TrimSuffix(v, ":")
	}
	for k, v := range defaultCategoryMap {
		c.categoryMap[k] = v
	}
	for k, v := range cfg.CategoryMap {
		c.categoryMap[k] = v
	}
	return c
}

// Node canonicalizes a node row in place. It returns false when the
// row fails validation and must be dropped.
func (c *Canonicalizer) Node(row *kgx.Row) bool {
	c.trimAll(row)
	c.sanitizeRow(row)

	id := c.canonIdentifier(row.Get(kgx.ColID))
	row.Set(kgx.ColID, id)

	category := row.Get(kgx.ColCategory)
	if mapped, ok := c.categoryMap[category]; ok {
		category = mapped
	}
	switch kgx.CuriePrefix(id) {
	case kgx.PrefixEC:
		category = kgx.CategoryMolecularActivity
	case kgx.PrefixMedium:
		category = kgx.CategoryMedium
	}
	if row.Schema.Has(kgx.ColCategory) {
		row.Set(kgx.ColCategory, category)
	}

	if row.Schema.Has(kgx.ColIRI) {
		row.Set(kgx.ColIRI, c.canonIRI(id, row.Get(kgx.ColIRI)))
	}

	return id != ""
}

// Edge canonicalizes an edge row in place. It returns false when the
// row fails validation and must be dropped.
func (c *Canonicalizer) Edge(row *kgx.Row) bool {
	c.trimAll(row)
	c.sanitizeRow(row)

	subject := c.canonIdentifier(row.Get(kgx.ColSubject))
	object := c.canonIdentifier(row.Get(kgx.ColObject))
	row.Set(kgx.ColSubject, subject)
	row.Set(kgx.ColObject, object)

	return subject != "" && object != "" && row.Get(kgx.ColPredicate) != ""
}

// canonIdentifier rewrites legacy prefixes and converts IntEnz query
// URLs to EC CURIEs.
func (c *Canonicalizer) canonIdentifier(id string) string {
	if m := intEnzQuery.FindStringSubmatch(id); m != nil {
		return kgx.PrefixEC + ":" + m[1]
	}
	prefix := kgx.CuriePrefix(id)
	if prefix == "" {
		return id
	}
	if mapped, ok := c.prefixMap[prefix]; ok {
		return mapped + id[len(prefix):]
	}
	return id
}

// canonIRI replaces the legacy IntEnz query form with the canonical
// Expasy IRI derived from the EC code.
func (c *Canonicalizer) canonIRI(id, iri string) string {
	if kgx.CuriePrefix(id) != kgx.PrefixEC {
		return iri
	}
	if iri == "" || intEnzQuery.MatchString(iri) {
		return expasyBase + kgx.CurieLocal(id)
	}
	return iri
}

func (c *Canonicalizer) trimAll(row *kgx.Row) {
	for i, v := range row.Values {
		if t := strings.TrimSpace(v); t != v {
			row.Values[i] = t
		}
	}
}
