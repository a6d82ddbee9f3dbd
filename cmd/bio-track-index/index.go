package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracks/config"
	"github.com/grailbio/tracks/nameindex"
	"github.com/grailbio/tracks/pipeline"
	"github.com/grailbio/tracks/registry"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

type indexFlags struct {
	config, out, label string
	gff, bed, bam      string
	types, fai, refs   string
	compress           bool
	chunkBytes         int
	memory             int64
	parallelism        int
	names, metrics     string
}

// loadConfig builds the configuration from the config file and flags.
func loadConfig(ctx context.Context, flags indexFlags) (*config.Config, error) {
	c := config.Default()
	if flags.config != "" {
		var err error
		if c, err = config.Load(ctx, flags.config); err != nil {
			return nil, err
		}
	}
	if flags.out != "" {
		c.Out = flags.out
	}
	if flags.fai != "" {
		c.FastaIndex = flags.fai
	}
	if flags.refs != "" {
		c.Refs = splitList(flags.refs)
	}
	if flags.compress {
		c.Chunk.Compress = true
	}
	if flags.chunkBytes > 0 {
		c.Chunk.ChunkBytes = flags.chunkBytes
	}
	if flags.memory > 0 {
		c.Sort.MemoryBudget = flags.memory
	}
	if flags.parallelism > 0 {
		c.Parallelism = flags.parallelism
	}

	var format, path string
	for _, in := range []struct{ format, path string }{
		{config.FormatGFF3, flags.gff}, {config.FormatBED, flags.bed}, {config.FormatBAM, flags.bam},
	} {
		if in.path == "" {
			continue
		}
		if path != "" {
			return nil, errors.E(errors.Invalid, "only one of -gff, -bed and -bam may be given")
		}
		format, path = in.format, in.path
	}
	if path != "" {
		label := flags.label
		if label == "" {
			return nil, errors.E(errors.Invalid, "-label is required with -gff, -bed or -bam")
		}
		track := map[string]interface{}{"label": label, "path": path, "format": format}
		if types := splitList(flags.types); len(types) > 0 {
			track["types"] = types
		}
		c.Tracks = append(c.Tracks, track)
	}
	if len(c.Tracks) == 0 {
		return nil, errors.E(errors.Invalid, "no tracks: pass -config or one of -gff, -bed, -bam")
	}
	return c, nil
}

func runIndex(ctx context.Context, flags indexFlags, out io.Writer) (err error) {
	c, err := loadConfig(ctx, flags)
	if err != nil {
		return err
	}
	reg, err := registry.New(c.Out)
	if err != nil {
		return err
	}
	namesDir := flags.names
	if namesDir == "" {
		namesDir = filepath.Join(c.Out, "names.db")
	}
	names, err := nameindex.Open(namesDir)
	if err != nil {
		return err
	}
	defer func() {
		if e := names.Close(); e != nil && err == nil {
			err = e
		}
	}()
	promReg := prometheus.NewRegistry()
	env := &pipeline.Env{
		Config:   c,
		Registry: reg,
		Names:    names,
		Metrics:  pipeline.NewMetrics(promReg),
	}
	results, err := pipeline.Index(ctx, c, env)
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%d features\t%d skipped\t%d chunks\n", r.Track, r.Ref, r.Features, r.Skipped, r.Chunks)
	}
	if flags.metrics != "" {
		if e := writeMetrics(ctx, promReg, flags.metrics); e != nil {
			log.Error.Printf("write metrics: %v", e)
		}
	}
	return err
}

func writeMetrics(ctx context.Context, g prometheus.Gatherer, path string) (err error) {
	var families []*dto.MetricFamily
	if families, err = g.Gather(); err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, f, &err)
	w := f.Writer(ctx)
	for _, mf := range families {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
