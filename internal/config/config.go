// Package config holds the collection-level and column-level
// configuration surface: plain structs with Default*() constructors,
// plus a viper-based file loader for embedding harnesses (a yaml/json/
// toml file with ANNINDEX_-prefixed env-var overrides).
package config

import (
	"math"
	"strings"

	"github.com/spf13/viper"

	"github.com/bobboyms/annindex/internal/annerr"
	"github.com/bobboyms/annindex/internal/column"
	"github.com/bobboyms/annindex/internal/schema"
)

// ReadOptions controls how a collection's snapshots open their backing
// storage.
type ReadOptions struct {
	UseMmap   bool
	CreateNew bool
}

// DefaultReadOptions returns the conservative defaults: a
// memory-backed, must-already-exist collection unless told otherwise.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{UseMmap: false, CreateNew: false}
}

// ColumnParams is the column-level configuration knob set, folded into
// a schema.ColumnMeta by ToColumnMeta.
type ColumnParams struct {
	Name           string
	Dimension      int
	Engine         column.EngineKind
	Metric         column.MetricType
	Quantize       column.QuantizeType
	MaxNeighborCnt int
	EfConstruction int
	EfSearch       int
	ChunkSizeBytes int64
	MaxScanRatio   float32
	VisitBloom     bool
}

// ToColumnMeta folds p onto schema's defaults, so a config file only
// needs to set the knobs it cares about.
func (p ColumnParams) ToColumnMeta() schema.ColumnMeta {
	m := schema.DefaultColumnMeta(p.Name, p.Dimension)
	if p.Engine != "" {
		m.Engine = p.Engine
	}
	if p.Metric != "" {
		m.Metric = p.Metric
	}
	if p.Quantize != "" {
		m.Quantize = p.Quantize
	}
	if p.MaxNeighborCnt != 0 {
		m.MaxNeighborCnt = p.MaxNeighborCnt
	}
	if p.EfConstruction != 0 {
		m.EfConstruction = p.EfConstruction
	}
	if p.EfSearch != 0 {
		m.EfSearch = p.EfSearch
	}
	if p.ChunkSizeBytes != 0 {
		m.ChunkSizeBytes = p.ChunkSizeBytes
	}
	if p.MaxScanRatio != 0 {
		m.MaxScanRatio = p.MaxScanRatio
	}
	m.VisitBloom = p.VisitBloom
	return m
}

// CollectionConfig is the collection-level knob set: collection name,
// columns, max docs per segment, concurrency, and read options.
type CollectionConfig struct {
	CollectionName    string
	Columns           []ColumnParams
	ForwardColumns    []string
	MaxDocsPerSegment uint64
	Concurrency       int
	Read              ReadOptions
}

// unlimitedDocsPerSegment is the internal sentinel a configured 0
// ("unlimited") maps to.
const unlimitedDocsPerSegment = math.MaxUint64

// DefaultCollectionConfig returns a collection config with
// max_docs_per_segment unlimited and concurrency 1; callers opt up from
// the single-threaded default.
func DefaultCollectionConfig(name string) CollectionConfig {
	return CollectionConfig{
		CollectionName:    name,
		MaxDocsPerSegment: unlimitedDocsPerSegment,
		Concurrency:       1,
		Read:              DefaultReadOptions(),
	}
}

// Schema resolves c's column configs into a schema.CollectionMeta at
// revision 0.
func (c CollectionConfig) Schema() schema.CollectionMeta {
	cols := make([]schema.ColumnMeta, len(c.Columns))
	for i, p := range c.Columns {
		cols[i] = p.ToColumnMeta()
	}
	return schema.CollectionMeta{
		Name:           c.CollectionName,
		Revision:       0,
		ForwardColumns: c.ForwardColumns,
		IndexColumns:   cols,
	}
}

// Load reads a collection config from a yaml/json/toml file at path,
// with ANNINDEX_-prefixed environment variables overriding any key
// (e.g. ANNINDEX_CONCURRENCY).
func Load(path string) (CollectionConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("annindex")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("max_docs_per_segment", 0)
	v.SetDefault("concurrency", 1)
	v.SetDefault("read.use_mmap", false)
	v.SetDefault("read.create_new", false)

	if err := v.ReadInConfig(); err != nil {
		return CollectionConfig{}, annerr.NewConfigError(err.Error())
	}

	cfg := DefaultCollectionConfig(v.GetString("collection_name"))
	cfg.ForwardColumns = v.GetStringSlice("forward_columns")
	cfg.Concurrency = v.GetInt("concurrency")
	cfg.Read = ReadOptions{
		UseMmap:   v.GetBool("read.use_mmap"),
		CreateNew: v.GetBool("read.create_new"),
	}

	if n := v.GetUint64("max_docs_per_segment"); n == 0 {
		cfg.MaxDocsPerSegment = unlimitedDocsPerSegment
	} else {
		cfg.MaxDocsPerSegment = n
	}

	var rawCols []map[string]interface{}
	if err := v.UnmarshalKey("columns", &rawCols); err != nil {
		return CollectionConfig{}, annerr.NewConfigError(err.Error())
	}
	for _, rc := range rawCols {
		p := ColumnParams{}
		if n, ok := rc["name"].(string); ok {
			p.Name = n
		}
		if d, ok := rc["dimension"].(int); ok {
			p.Dimension = d
		}
		if e, ok := rc["engine"].(string); ok {
			p.Engine = column.EngineKind(e)
		}
		if m, ok := rc["metric"].(string); ok {
			p.Metric = column.MetricType(m)
		}
		if q, ok := rc["quantize"].(string); ok {
			p.Quantize = column.QuantizeType(q)
		}
		cfg.Columns = append(cfg.Columns, p)
	}

	return cfg, nil
}
