package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kgfuse/kgfuse-go/internal/kgx"
)

// Config holds all merge engine settings.
type Config struct {
	// Input sources in declaration order
	Sources []SourceConfig `yaml:"sources" mapstructure:"sources"`

	// Dedup rules
	Dedup DedupConfig `yaml:"dedup" mapstructure:"dedup"`

	// Canonicalization tables
	Canon CanonConfig `yaml:"canon" mapstructure:"canon"`

	// Memory budget and spill placement
	Memory MemoryConfig `yaml:"memory" mapstructure:"memory"`

	// Chain reducer projections
	Chains []ChainConfig `yaml:"chains" mapstructure:"chains"`

	// Statistics facets
	Stats StatsConfig `yaml:"stats" mapstructure:"stats"`

	// Output file layout
	Output OutputConfig `yaml:"output" mapstructure:"output"`
}

// SourceConfig names one logical source: a rank and one or more node
// and edge files. Lower rank wins dedup ties.
type SourceConfig struct {
	Name      string   `yaml:"name" mapstructure:"name"`
	Rank      int      `yaml:"rank" mapstructure:"rank"`
	NodesPath []string `yaml:"nodes_path" mapstructure:"nodes_path"`
	EdgesPath []string `yaml:"edges_path" mapstructure:"edges_path"`
}

type DedupConfig struct {
	// PredicatePriority adds to or overrides entries of the built-in
	// predicate rank table; predicates in neither fall to the
	// insertion-order tier.
	PredicatePriority map[string]int `yaml:"predicate_priority" mapstructure:"predicate_priority"`

	// FanoutExemptPairs extends the built-in exempt pair set.
	FanoutExemptPairs []kgx.PrefixPair `yaml:"fanout_exempt_pairs" mapstructure:"fanout_exempt_pairs"`

	// PrunedPairs extends the built-in pruned pair set.
	PrunedPairs []kgx.PrefixPair `yaml:"pruned_pairs" mapstructure:"pruned_pairs"`

	// UnionInsertionOrder emits set-valued fields in first-seen order
	// instead of sorted.
	UnionInsertionOrder bool `yaml:"union_insertion_order" mapstructure:"union_insertion_order"`
}

type CanonConfig struct {
	PrefixMap   map[string]string `yaml:"prefix_map" mapstructure:"prefix_map"`
	CategoryMap map[string]string `yaml:"category_map" mapstructure:"category_map"`
}

type MemoryConfig struct {
	PartitionBytes int64  `yaml:"partition_bytes" mapstructure:"partition_bytes"`
	SpillDir       string `yaml:"spill_dir" mapstructure:"spill_dir"`
}

// ChainConfig declares one derived relation as a sequence of joins
// over the merged edge table.
type ChainConfig struct {
	Name  string      `yaml:"name" mapstructure:"name"`
	Steps []ChainStep `yaml:"steps" mapstructure:"steps"`
}

// ChainStep is one hop. Subject and Object are identifier prefixes the
// edge must carry; Predicate optionally restricts the hop. Reverse
// walks the edge object-to-subject.
type ChainStep struct {
	Subject   string `yaml:"subject" mapstructure:"subject"`
	Object    string `yaml:"object" mapstructure:"object"`
	Predicate string `yaml:"predicate" mapstructure:"predicate"`
	Reverse   bool   `yaml:"reverse" mapstructure:"reverse"`
}

type StatsConfig struct {
	NodeFacets []string `yaml:"node_facets" mapstructure:"node_facets"`
	EdgeFacets []string `yaml:"edge_facets" mapstructure:"edge_facets"`
}

type OutputConfig struct {
	Dir             string `yaml:"dir" mapstructure:"dir"`
	NodeFile        string `yaml:"node_file" mapstructure:"node_file"`
	EdgeFile        string `yaml:"edge_file" mapstructure:"edge_file"`
	StatsFile       string `yaml:"stats_file" mapstructure:"stats_file"`
	ChainFilePrefix string `yaml:"chain_file_prefix" mapstructure:"chain_file_prefix"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Memory: MemoryConfig{
			PartitionBytes: 256 * 1024 * 1024, // 256MB per partition
			SpillDir:       filepath.Join(os.TempDir(), "kgfuse-spill"),
		},
		Stats: StatsConfig{
			NodeFacets: []string{kgx.ColCategory, kgx.ColProvidedBy},
			EdgeFacets: []string{kgx.ColPredicate, kgx.ColPrimaryKnowledge},
		},
		Output: OutputConfig{
			Dir:             "merged",
			NodeFile:        "merged-kg_nodes.tsv",
			EdgeFile:        "merged-kg_edges.tsv",
			StatsFile:       "merged-kg_stats.yaml",
			ChainFilePrefix: "chain",
		},
	}
}

// Load reads configuration from path, applying defaults and
// KGFUSE_*-prefixed environment overrides.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("memory", cfg.Memory)
	v.SetDefault("stats", cfg.Stats)
	v.SetDefault("output", cfg.Output)

	v.SetEnvPrefix("KGFUSE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("merge")
		v.AddConfigPath(".kgfuse")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that would otherwise
// fail hours into a run.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: source %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
		if len(s.NodesPath) == 0 && len(s.EdgesPath) == 0 {
			return fmt.Errorf("config: source %q lists no files", s.Name)
		}
	}
	if c.Memory.PartitionBytes <= 0 {
		return fmt.Errorf("config: memory.partition_bytes must be positive")
	}
	if c.Memory.SpillDir == "" {
		return fmt.Errorf("config: memory.spill_dir is required")
	}
	chainNames := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.Name == "" {
			return fmt.Errorf("config: chain with empty name")
		}
		if chainNames[ch.Name] {
			return fmt.Errorf("config: duplicate chain name %q", ch.Name)
		}
		chainNames[ch.Name] = true
		if len(ch.Steps) == 0 {
			return fmt.Errorf("config: chain %q has no steps", ch.Name)
		}
		for j, st := range ch.Steps {
			if st.Subject == "" || st.Object == "" {
				return fmt.Errorf("config: chain %q step %d needs subject and object prefixes", ch.Name, j)
			}
		}
	}
	return nil
}

// Chain returns the chain configuration by name.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

func loadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := os.Getenv("KGFUSE_SPILL_DIR"); dir != "" {
		cfg.Memory.SpillDir = dir
	}
	if b := os.Getenv("KGFUSE_PARTITION_BYTES"); b != "" {
		if n, err := strconv.ParseInt(b, 10, 64); err == nil && n > 0 {
			cfg.Memory.PartitionBytes = n
		}
	}
	if dir := os.Getenv("KGFUSE_OUTPUT_DIR"); dir != "" {
		cfg.Output.Dir = dir
	}
}
