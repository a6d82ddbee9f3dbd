package pipeline

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracks/config"
	"github.com/grailbio/tracks/feature"
)

// Plan lists the units of a configuration: one per track and reference
// sequence the track has features on.  References come from the FASTA index
// if one is configured, else from the sources; Config.Refs restricts them.
// Plan also returns the reference sequences, in FASTA index order when
// known.
func Plan(ctx context.Context, c *config.Config) ([]Unit, []feature.RefSeq, error) {
	tracks, err := c.TrackConfigs()
	if err != nil {
		return nil, nil, err
	}
	var (
		refSeqs []feature.RefSeq
		known   = map[string]bool{}
	)
	if c.FastaIndex != "" {
		if refSeqs, err = feature.ReadFastaIndex(ctx, c.FastaIndex); err != nil {
			return nil, nil, err
		}
		for _, r := range refSeqs {
			known[r.Name] = true
		}
	}
	wanted := func(ref string) bool {
		if len(c.Refs) == 0 {
			return true
		}
		for _, r := range c.Refs {
			if r == ref {
				return true
			}
		}
		return false
	}

	var units []Unit
	for _, tc := range tracks {
		src, err := OpenSource(tc)
		if err != nil {
			return nil, nil, err
		}
		var refs []string
		if lister, ok := src.(feature.RefLister); ok {
			if refs, err = lister.Refs(ctx); err != nil {
				return nil, nil, errors.E(err, "track", tc.Label)
			}
		} else {
			for _, r := range refSeqs {
				refs = append(refs, r.Name)
			}
		}
		for _, ref := range refs {
			if !wanted(ref) {
				continue
			}
			if c.FastaIndex != "" && !known[ref] {
				log.Printf("%s: reference %s is not in %s; skipping", tc.Label, ref, c.FastaIndex)
				continue
			}
			if !known[ref] {
				known[ref] = true
				refSeqs = append(refSeqs, feature.RefSeq{Name: ref})
			}
			units = append(units, Unit{Ref: ref, Track: tc, Source: src})
		}
	}
	if len(c.Refs) > 0 {
		var filtered []feature.RefSeq
		for _, r := range refSeqs {
			if wanted(r.Name) {
				filtered = append(filtered, r)
			}
		}
		refSeqs = filtered
	}
	return units, refSeqs, nil
}

// Index plans and runs a configuration.  It writes the reference sequence
// list before running the units.
func Index(ctx context.Context, c *config.Config, env *Env) ([]*Result, error) {
	units, refSeqs, err := Plan(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := env.Registry.WriteRefSeqs(ctx, refSeqs); err != nil {
		return nil, err
	}
	if env.RefLengths == nil {
		env.RefLengths = map[string]int64{}
		for _, r := range refSeqs {
			env.RefLengths[r.Name] = r.Length
		}
	}
	log.Printf("indexing %d tracks over %d references: %d units", len(c.Tracks), len(refSeqs), len(units))
	return RunBatch(ctx, units, env, c.Parallelism)
}
