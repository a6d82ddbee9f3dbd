// Package pipeline indexes feature tracks.  The unit of work is one
// (reference sequence, track) pair: its features are flattened into rows,
// sorted, written as chunks, and published through the registry, while
// their names go to the name index.
package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/multierror"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/tracks/config"
	"github.com/grailbio/tracks/extsort"
	"github.com/grailbio/tracks/feature"
	"github.com/grailbio/tracks/flatten"
	"github.com/grailbio/tracks/nameindex"
	"github.com/grailbio/tracks/registry"
	"github.com/grailbio/tracks/trackio"
)

// maxInputErrors bounds the input errors kept in a Result.  All of them are
// counted and logged.
const maxInputErrors = 100

// Unit is one (reference, track) pair.
type Unit struct {
	Ref    string
	Track  config.TrackConfig
	Source feature.Source
}

// Result summarizes a unit.
type Result struct {
	Ref   string
	Track string
	// Features is the number of features indexed; Skipped the number
	// rejected because of input errors.
	Features int64
	Skipped  int64
	Rows     int64
	Chunks   int
	Spills   int
	// InputErrors holds up to maxInputErrors of the skipped features' errors.
	InputErrors []*flatten.FeatureError
	Manifest    *trackio.Manifest
	// Published is set once the track is registered.
	Published bool
}

// UnitError reports a failed unit.  Nothing of the unit is published unless
// Published is set: then the track is registered, but the name index still
// holds the names of the pair's previous build.
type UnitError struct {
	RefSeq string
	Track  string
	// Features is the number of features read before the failure.
	Features  int64
	Published bool
	Err       error
}

func (e *UnitError) Error() string {
	if e.Published {
		return fmt.Sprintf("track %s on %s: published, but names were not updated: %v", e.Track, e.RefSeq, e.Err)
	}
	return fmt.Sprintf("track %s on %s (after %d features): %v", e.Track, e.RefSeq, e.Features, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// Env holds what units share.
type Env struct {
	Config   *config.Config
	Registry *registry.Registry
	// Names, if non-nil, receives the feature names.
	Names *nameindex.Index
	// Metrics, if non-nil, is updated after every unit.
	Metrics *Metrics
	// RefLengths maps reference names to lengths, where known.
	RefLengths map[string]int64
}

// Schemas returns the primary and sub-feature schemas of a track.
func Schemas(tc config.TrackConfig) (primary, sub *flatten.Schema) {
	arrays := tc.ArrayAttributes
	if len(arrays) == 0 {
		arrays = flatten.DefaultArrayAttributes
	}
	return flatten.NewSchema(flatten.Primary, tc.ExtraAttributes, arrays),
		flatten.NewSchema(flatten.Sub, tc.SubAttributes, arrays)
}

// RunUnit indexes one unit.  Input errors skip the offending features; any
// other error fails the unit, in which case the staging directory is
// removed, the track is not registered and its names are not committed.
// Names are committed after the track is registered, so a failed commit
// leaves the unit published with stale names; the UnitError says so.
func RunUnit(ctx context.Context, u Unit, env *Env) (*Result, error) {
	start := time.Now()
	r := &Result{Ref: u.Ref, Track: u.Track.Label}
	err := runUnit(ctx, u, env, r)
	env.Metrics.observe(r, err, time.Since(start).Seconds())
	if err != nil {
		return r, &UnitError{RefSeq: u.Ref, Track: u.Track.Label, Features: r.Features + r.Skipped,
			Published: r.Published, Err: err}
	}
	log.Printf("%s/%s: %d features (%d skipped), %d rows, %d chunks, %d spills in %v",
		u.Track.Label, u.Ref, r.Features, r.Skipped, r.Rows, r.Chunks, r.Spills, time.Since(start))
	return r, nil
}

func runUnit(ctx context.Context, u Unit, env *Env, r *Result) (err error) {
	primary, sub := Schemas(u.Track)
	h, err := env.Registry.Allocate(ctx, u.Ref, u.Track.Label)
	if err != nil {
		return err
	}
	defer func() {
		if e := env.Registry.Discard(h); e != nil && err == nil {
			err = e
		}
	}()

	sorter := extsort.NewSorter(primary, sub, env.Config.SortOptions())
	defer func() {
		if e := sorter.Close(); e != nil && err == nil {
			err = e
		}
	}()
	var names *nameindex.Builder
	if env.Names != nil {
		names = env.Names.NewBuilder(u.Track.Label, u.Ref)
		defer names.Abort()
	}

	if err = flattenFeatures(ctx, u, primary, sub, sorter, names, r); err != nil {
		return err
	}
	if err = sorter.Finish(); err != nil {
		return err
	}
	r.Spills = sorter.NumSpills()

	opts := env.Config.ChunkOpts(u.Track)
	opts.Ref = u.Ref
	opts.RefLength = env.RefLengths[u.Ref]
	w, err := trackio.NewWriter(h.Dir, primary, sub, opts)
	if err != nil {
		return err
	}
	for sorter.Scan() {
		if err = w.Add(ctx, sorter.Row()); err != nil {
			return err
		}
	}
	if err = sorter.Err(); err != nil {
		return err
	}
	m, err := w.Close(ctx)
	if err != nil {
		return err
	}
	r.Rows, r.Chunks, r.Manifest = m.RowCount, len(m.Chunks), m

	entry := registry.TrackEntry{
		Key:      u.Track.Key,
		Compress: opts.Compress,
		Style:    u.Track.Style,
		Metadata: u.Track.Metadata,
	}
	if err = env.Registry.Register(ctx, h, m, entry); err != nil {
		return err
	}
	r.Published = true
	if names != nil {
		return names.Finalize()
	}
	return nil
}

// flattenFeatures reads the unit's features and feeds their rows to the
// sorter and their names to the name builder.
func flattenFeatures(ctx context.Context, u Unit, primary, sub *flatten.Schema,
	sorter *extsort.Sorter, names *nameindex.Builder, r *Result) (err error) {
	fl := flatten.New(u.Ref, primary, sub)
	it := u.Source.Features(ctx, u.Ref, u.Track.Types)
	defer func() {
		if e := it.Close(); e != nil && err == nil {
			err = e
		}
	}()
	for it.Scan() {
		if r.Features&1023 == 0 {
			if err = ctx.Err(); err != nil {
				return err
			}
		}
		out, ferr := fl.Flatten(it.Feature())
		if ferr != nil {
			fe, ok := ferr.(*flatten.FeatureError)
			if !ok {
				return ferr
			}
			r.Skipped++
			log.Error.Printf("%s: skipping: %v", u.Track.Label, fe)
			if len(r.InputErrors) < maxInputErrors {
				r.InputErrors = append(r.InputErrors, fe)
			}
			continue
		}
		r.Features++
		if names != nil && out.Name != nil {
			if err = names.AddName(out.Name); err != nil {
				return err
			}
		}
		if err = sorter.Add(out.Primary); err != nil {
			return err
		}
		for _, row := range out.Subs {
			if err = sorter.Add(row); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunBatch runs the units with at most "parallelism" at a time.  A failing
// unit does not stop the others.  It returns one result per unit, in order,
// and a multierror holding the UnitErrors, if any.
func RunBatch(ctx context.Context, units []Unit, env *Env, parallelism int) ([]*Result, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	if parallelism > len(units) {
		parallelism = len(units)
	}
	results := make([]*Result, len(units))
	errs := multierror.NewMultiError(len(units))
	var next int64 = -1
	_ = traverse.Each(parallelism, func(int) error {
		for {
			i := int(atomic.AddInt64(&next, 1))
			if i >= len(units) {
				return nil
			}
			var err error
			results[i], err = RunUnit(ctx, units[i], env)
			if err != nil {
				log.Error.Printf("%v", err)
				errs.Add(err)
			}
		}
	})
	return results, errs.Err()
}

// OpenSource creates the feature source of a track.
func OpenSource(tc config.TrackConfig) (feature.Source, error) {
	switch tc.Source.Format {
	case config.FormatGFF3:
		return &feature.GFFSource{Path: tc.Source.Path}, nil
	case config.FormatBED:
		return &feature.BEDSource{Path: tc.Source.Path, Type: tc.Source.Type}, nil
	case config.FormatBAM:
		return &feature.BAMSource{Path: tc.Source.Path}, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("track %s: unknown format %q", tc.Label, tc.Source.Format))
}
