package kgx

import "strings"

// Column names of the KGX convention. Unknown columns are carried
// verbatim but never interpreted.
const (
	ColID          = "id"
	ColCategory    = "category"
	ColName        = "name"
	ColDescription = "description"
	ColXref        = "xref"
	ColProvidedBy  = "provided_by"
	ColSynonym     = "synonym"
	ColIRI         = "iri"
	ColDeprecated  = "deprecated"
	ColSubsets     = "subsets"

	ColSubject          = "subject"
	ColPredicate        = "predicate"
	ColObject           = "object"
	ColRelation         = "relation"
	ColPrimaryKnowledge = "primary_knowledge_source"
	ColKnowledgeSource  = "knowledge_source"
)

// NodeColumnUniverse is the canonical output order for node columns.
var NodeColumnUniverse = []string{
	ColID, ColCategory, ColName, ColDescription, ColXref,
	ColProvidedBy, ColSynonym, ColIRI, ColDeprecated, ColSubsets,
}

// EdgeColumnUniverse is the canonical output order for edge columns.
var EdgeColumnUniverse = []string{
	ColSubject, ColPredicate, ColObject, ColRelation,
	ColPrimaryKnowledge, ColKnowledgeSource,
}

// NodeSetColumns are the multi-valued node columns unioned across
// duplicates instead of taken from the priority winner.
var NodeSetColumns = []string{ColXref, ColSynonym, ColSubsets}

// Identifier prefixes the engine special-cases.
const (
	PrefixNCBITaxon = "NCBITaxon"
	PrefixCHEBI     = "CHEBI"
	PrefixGO        = "GO"
	PrefixUniprotKB = "UniprotKB"
	PrefixProteomes = "Proteomes"
	PrefixRHEA      = "RHEA"
	PrefixEC        = "EC"
	PrefixMedium    = "mediadive.medium"
	PrefixSolution  = "mediadive.solution"
	PrefixIngred    = "mediadive.ingredient"
	PrefixStrain    = "kgmicrobe.strain"
)

// Categories in active use.
const (
	CategoryOrganismTaxon     = "biolink:OrganismTaxon"
	CategoryChemicalEntity    = "biolink:ChemicalEntity"
	CategoryChemicalSubstance = "biolink:ChemicalSubstance"
	CategoryMolecularActivity = "biolink:MolecularActivity"
	CategoryMedium            = "METPO:1004005"
)

// Predicates with a dedup rank.
const (
	PredicateHasChemicalRole   = "biolink:has_chemical_role"
	PredicateSubclassOf        = "biolink:subclass_of"
	PredicateCapableOf         = "biolink:capable_of"
	PredicateCapableOfMETPO    = "METPO:2000103"
	PredicateCanBeCarriedOutBy = "biolink:can_be_carried_out_by"
	PredicateSuperclassOf      = "biolink:superclass_of"
	PredicateHasOutput         = "biolink:has_output"
)

// CuriePrefix returns the prefix of a PREFIX:LOCAL identifier, or ""
// when the value has no colon. Full URIs (http...) have no prefix.
func CuriePrefix(id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return ""
	}
	i := strings.IndexByte(id, ':')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// CurieLocal returns the local part after the first colon, or the
// whole value when there is none.
func CurieLocal(id string) string {
	i := strings.IndexByte(id, ':')
	if i < 0 {
		return id
	}
	return id[i+1:]
}

// PrefixPair identifies a (subject prefix, object prefix) combination
// for fan-out exemption and pruning rules.
type PrefixPair struct {
	Subject string `yaml:"subject" mapstructure:"subject"`
	Object  string `yaml:"object" mapstructure:"object"`
}

// Matches reports whether an edge's subject/object prefixes equal the pair.
func (p PrefixPair) Matches(subject, object string) bool {
	return CuriePrefix(subject) == p.Subject && CuriePrefix(object) == p.Object
}
