package config

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"gopkg.in/yaml.v3"
)

// Source formats.
const (
	FormatGFF3 = "gff3"
	FormatBED  = "bed"
	FormatBAM  = "bam"
)

// Source locates the input of a track.
type Source struct {
	// Format is one of FormatGFF3, FormatBED or FormatBAM.  If empty, it is
	// inferred from the file extension of Path.
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
	// Type is the feature type assigned to BED records.
	Type string `yaml:"bedType"`
}

// TrackConfig is the resolved configuration of one track.
type TrackConfig struct {
	Label string `yaml:"label"`
	Key   string `yaml:"key"`
	// Types, if nonempty, restricts the primary features to these types.
	Types  []string `yaml:"types"`
	Source Source   `yaml:",inline"`
	// ExtraAttributes and SubAttributes are attribute columns added to the
	// primary and sub-feature schemas.
	ExtraAttributes []string `yaml:"extraAttributes"`
	SubAttributes   []string `yaml:"subAttributes"`
	// ArrayAttributes lists the multi-valued attributes.  If empty,
	// flatten.DefaultArrayAttributes is used.
	ArrayAttributes []string               `yaml:"arrayAttributes"`
	Style           map[string]interface{} `yaml:"style"`
	Metadata        map[string]interface{} `yaml:"metadata"`
	// Compress and ChunkBytes override the chunk settings.
	Compress   *bool `yaml:"compress"`
	ChunkBytes int   `yaml:"chunkBytes"`
}

// fieldMap lists the flat keys that Resolve moves into a nested record:
// key -> (record, field).
var fieldMap = map[string][2]string{
	"className":         {"style", "className"},
	"subfeatureClasses": {"style", "subfeatureClasses"},
	"arrowheadClass":    {"style", "arrowheadClass"},
	"linkTemplate":      {"style", "linkTemplate"},
	"category":          {"metadata", "category"},
	"description":       {"metadata", "description"},
}

// MappedKeys returns the flat keys that Resolve moves into nested records,
// sorted.
func MappedKeys() []string {
	var keys []string
	for k := range fieldMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// overlay copies "src" onto "dst".  Nested records are merged field by
// field; other values in src replace those in dst.
func overlay(dst, src map[string]interface{}) error {
	for k, v := range src {
		if dest, ok := fieldMap[k]; ok {
			rec, err := nested(dst, dest[0])
			if err != nil {
				return err
			}
			rec[dest[1]] = v
			continue
		}
		if k == "style" || k == "metadata" {
			m, ok := v.(map[string]interface{})
			if !ok {
				return errors.E(errors.Invalid, fmt.Sprintf("%s: expect a mapping, found %T", k, v))
			}
			rec, err := nested(dst, k)
			if err != nil {
				return err
			}
			for f, fv := range m {
				rec[f] = fv
			}
			continue
		}
		dst[k] = v
	}
	return nil
}

func nested(m map[string]interface{}, name string) (map[string]interface{}, error) {
	switch v := m[name].(type) {
	case nil:
		rec := map[string]interface{}{}
		m[name] = rec
		return rec, nil
	case map[string]interface{}:
		return v, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: expect a mapping, found %T", name, v))
	}
}

// Resolve overlays a track's settings on the defaults and builds its
// TrackConfig.  Keys listed in the field mapping table are moved into the
// style or metadata record; any other key must name a TrackConfig field.
// Neither argument is modified.
func Resolve(defaults, overrides map[string]interface{}) (TrackConfig, error) {
	merged := map[string]interface{}{}
	if err := overlay(merged, defaults); err != nil {
		return TrackConfig{}, err
	}
	if err := overlay(merged, overrides); err != nil {
		return TrackConfig{}, err
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return TrackConfig{}, errors.E(errors.Invalid, err)
	}
	var tc TrackConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&tc); err != nil {
		return TrackConfig{}, errors.E(errors.Invalid, "track", err)
	}
	if err := tc.validate(); err != nil {
		return TrackConfig{}, err
	}
	return tc, nil
}

// InferFormat guesses a source format from a file name, or returns "".
func InferFormat(path string) string {
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz")))
	switch ext {
	case ".gff", ".gff3":
		return FormatGFF3
	case ".bed":
		return FormatBED
	case ".bam":
		return FormatBAM
	}
	return ""
}

func (tc *TrackConfig) validate() error {
	if tc.Label == "" {
		return errors.E(errors.Invalid, "track: missing label")
	}
	if strings.ContainsAny(tc.Label, "/\\") {
		return errors.E(errors.Invalid, fmt.Sprintf("track %s: label must not contain path separators", tc.Label))
	}
	if tc.Source.Path == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("track %s: missing path", tc.Label))
	}
	if tc.Source.Format == "" {
		tc.Source.Format = InferFormat(tc.Source.Path)
	}
	switch tc.Source.Format {
	case FormatGFF3, FormatBED, FormatBAM:
	case "":
		return errors.E(errors.Invalid, fmt.Sprintf("track %s: cannot infer the format of %s", tc.Label, tc.Source.Path))
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("track %s: unknown format %q", tc.Label, tc.Source.Format))
	}
	if tc.Key == "" {
		tc.Key = tc.Label
	}
	if tc.ChunkBytes < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("track %s: negative chunkBytes", tc.Label))
	}
	return nil
}
