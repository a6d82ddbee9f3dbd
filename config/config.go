// Package config loads the indexing configuration and assembles per-track
// settings.
//
// A configuration file looks like
//
//	out: data
//	fastaIndex: ref.fa.fai
//	chunk:
//	  compress: true
//	defaults:
//	  className: feature
//	tracks:
//	  - label: genes
//	    path: genes.gff3.gz
//	    types: [gene]
//	    extraAttributes: [Alias, gene_biotype]
//	    description: RefSeq genes
//
// Track entries are flat maps.  They are overlaid on "defaults" and turned
// into a TrackConfig by Resolve.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/tracks/extsort"
	"github.com/grailbio/tracks/trackio"
	"gopkg.in/yaml.v3"
)

// SortConfig configures the external sorter.
type SortConfig struct {
	MemoryBudget       int64 `yaml:"memoryBudget"`
	NoCompressTmpFiles bool  `yaml:"noCompressTmpFiles"`
	MinFreeBytes       int64 `yaml:"minFreeBytes"`
}

// ChunkConfig configures the chunk writer.  Compress and ChunkBytes can be
// overridden per track.
type ChunkConfig struct {
	ChunkBytes            int    `yaml:"chunkBytes"`
	CompressionMultiplier int    `yaml:"compressionMultiplier"`
	Compress              bool   `yaml:"compress"`
	Codec                 string `yaml:"codec"`
	HistogramBinSize      int64  `yaml:"histogramBinSize"`
}

// Config is the top-level configuration.
type Config struct {
	// Out is the data directory.
	Out    string `yaml:"out"`
	TmpDir string `yaml:"tmpDir"`
	// Parallelism is the number of (ref, track) units processed at once.
	Parallelism int `yaml:"parallelism"`
	// FastaIndex is a samtools .fai file listing the reference sequences.
	FastaIndex string `yaml:"fastaIndex"`
	// Refs, if nonempty, restricts indexing to these references.
	Refs     []string                 `yaml:"refs"`
	Sort     SortConfig               `yaml:"sort"`
	Chunk    ChunkConfig              `yaml:"chunk"`
	Defaults map[string]interface{}   `yaml:"defaults"`
	Tracks   []map[string]interface{} `yaml:"tracks"`
}

// DefaultParallelism is the default value of Config.Parallelism.
const DefaultParallelism = 4

// Default returns a configuration with default settings and no tracks.
func Default() *Config {
	return &Config{
		Out:         "data",
		Parallelism: DefaultParallelism,
		Sort:        SortConfig{MemoryBudget: extsort.DefaultMemoryBudget},
		Chunk: ChunkConfig{
			ChunkBytes:            trackio.DefaultChunkBytes,
			CompressionMultiplier: trackio.DefaultCompressionMultiplier,
			Codec:                 trackio.DefaultCodec,
		},
	}
}

// Parse overlays the YAML document "data" on the defaults.  Unknown fields
// are errors.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.E(errors.Invalid, "config", err)
	}
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	return c, nil
}

// Load reads a configuration file.
func Load(ctx context.Context, path string) (c *Config, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return nil, err
	}
	if c, err = Parse(data); err != nil {
		return nil, errors.E(path, err)
	}
	return c, nil
}

// SortOptions returns the external sorter options.
func (c *Config) SortOptions() extsort.Options {
	opts := extsort.DefaultOptions
	if c.Sort.MemoryBudget > 0 {
		opts.MemoryBudget = c.Sort.MemoryBudget
	}
	opts.NoCompressTmpFiles = c.Sort.NoCompressTmpFiles
	opts.MinFreeBytes = c.Sort.MinFreeBytes
	opts.TmpDir = c.TmpDir
	return opts
}

// ChunkOpts returns the chunk writer options for a track.
func (c *Config) ChunkOpts(tc TrackConfig) trackio.Opts {
	opts := trackio.Opts{
		Label:                 tc.Label,
		ChunkBytes:            c.Chunk.ChunkBytes,
		CompressionMultiplier: c.Chunk.CompressionMultiplier,
		Compress:              c.Chunk.Compress,
		Codec:                 c.Chunk.Codec,
		HistogramBinSize:      c.Chunk.HistogramBinSize,
	}
	if tc.Compress != nil {
		opts.Compress = *tc.Compress
	}
	if tc.ChunkBytes > 0 {
		opts.ChunkBytes = tc.ChunkBytes
	}
	return opts
}

// TrackConfigs resolves every track entry against the defaults.  Labels
// must be unique.
func (c *Config) TrackConfigs() ([]TrackConfig, error) {
	var (
		out  []TrackConfig
		seen = map[string]bool{}
	)
	for i, t := range c.Tracks {
		tc, err := Resolve(c.Defaults, t)
		if err != nil {
			return nil, errors.E(fmt.Sprintf("config: track #%d", i), err)
		}
		if seen[tc.Label] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("config: duplicate track label %q", tc.Label))
		}
		seen[tc.Label] = true
		out = append(out, tc)
	}
	return out, nil
}
