// Package registry lays out indexed tracks under a data directory and
// publishes them.
//
// Layout:
//
//	<root>/trackList.json             the published tracks
//	<root>/seq/refSeqs.json           the reference sequences
//	<root>/tracks/<label>/<ref>/      one trackio directory per (track, ref)
//	<root>/.staging/<uuid>/           tracks being written
//
// A track directory is written under .staging and moved into place by
// Register, so readers see either the previous version of a track or the new
// one, never a partial one.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracks/feature"
	"github.com/grailbio/tracks/trackio"
)

const (
	// TrackListName is the file listing the published tracks.
	TrackListName = "trackList.json"
	// RefSeqsPath is the reference sequence list, relative to the root.
	RefSeqsPath = "seq/refSeqs.json"
	stagingDir  = ".staging"
	tracksDir   = "tracks"
	// RefPlaceholder stands for the reference name in URL templates.
	RefPlaceholder = "{refseq}"
)

// TrackEntry describes a published track in trackList.json.
type TrackEntry struct {
	Label string `json:"label"`
	Key   string `json:"key,omitempty"`
	// URLTemplate locates the manifest of the track on a reference, relative
	// to the root.
	URLTemplate string                 `json:"urlTemplate"`
	Compress    bool                   `json:"compress,omitempty"`
	Style       map[string]interface{} `json:"style,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	// Refs lists the references on which the track has been published.
	Refs []string `json:"refs"`
}

// TrackList is the contents of trackList.json.
type TrackList struct {
	FormatVersion int          `json:"formatVersion"`
	Tracks        []TrackEntry `json:"tracks"`
}

// Find returns the entry for "label", or nil.
func (l *TrackList) Find(label string) *TrackEntry {
	for i := range l.Tracks {
		if l.Tracks[i].Label == label {
			return &l.Tracks[i]
		}
	}
	return nil
}

// Handle is the storage allocated to one (track, ref) build.
type Handle struct {
	Label string
	Ref   string
	// Dir is the staging directory.  The track is written here.
	Dir  string
	done bool
}

// Registry manages one data directory.  Thread safe.
type Registry struct {
	root string
	// mu serializes trackList.json updates and directory moves.
	mu sync.Mutex
}

// New creates a registry rooted at "root", creating the directory if needed.
func New(root string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(root, stagingDir), 0755); err != nil {
		return nil, errors.E(err, "registry: create", root)
	}
	return &Registry{root: root}, nil
}

// Root returns the data directory.
func (r *Registry) Root() string { return r.root }

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

// TrackDir returns the directory of the published track "label" on "ref".
func (r *Registry) TrackDir(label, ref string) string {
	return filepath.Join(r.root, tracksDir, label, ref)
}

// Allocate creates a fresh staging directory for a build of "label" on "ref".
func (r *Registry) Allocate(ctx context.Context, ref, label string) (*Handle, error) {
	if !validName(label) || !validName(ref) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("registry: bad track label %q or reference %q", label, ref))
	}
	dir := filepath.Join(r.root, stagingDir, uuid.New().String())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, errors.E(err, "registry: allocate", dir)
	}
	log.Debug.Printf("registry: %s/%s: staging in %s", label, ref, dir)
	return &Handle{Label: label, Ref: ref, Dir: dir}, nil
}

// Discard removes the staging directory of an unregistered build.  It is a
// no-op after Register.
func (r *Registry) Discard(h *Handle) error {
	if h.done {
		return nil
	}
	h.done = true
	return os.RemoveAll(h.Dir)
}

// Register publishes the track written to h.Dir.  The manifest in h.Dir
// must be complete and agree with "m".  A previous version of the track on
// the same reference is replaced.  Register also adds or updates the
// track's entry in trackList.json; "entry" supplies its label, key, style
// and metadata.
func (r *Registry) Register(ctx context.Context, h *Handle, m *trackio.Manifest, entry TrackEntry) error {
	if h.done {
		return errors.E(errors.Precondition, fmt.Sprintf("registry: %s/%s already registered or discarded", h.Label, h.Ref))
	}
	if m.Label != h.Label || m.Ref != h.Ref {
		return errors.E(errors.Invalid, fmt.Sprintf("registry: manifest is for %s/%s, handle for %s/%s", m.Label, m.Ref, h.Label, h.Ref))
	}
	stored, err := trackio.ReadManifest(ctx, h.Dir)
	if err != nil {
		return errors.E(err, "registry: incomplete track")
	}
	if stored.Digest != m.Digest {
		return errors.E(errors.Integrity, fmt.Sprintf("registry: %s/%s: stored digest %s, want %s", h.Label, h.Ref, stored.Digest, m.Digest))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	dest := r.TrackDir(h.Label, h.Ref)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	var old string
	if _, err := os.Stat(dest); err == nil {
		old = filepath.Join(r.root, stagingDir, "old-"+uuid.New().String())
		if err := os.Rename(dest, old); err != nil {
			return errors.E(err, "registry: replace", dest)
		}
	}
	if err := os.Rename(h.Dir, dest); err != nil {
		if old != "" {
			if rerr := os.Rename(old, dest); rerr != nil {
				log.Error.Printf("registry: restore %s: %v", dest, rerr)
			}
		}
		return errors.E(err, "registry: publish", dest)
	}
	h.done = true
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			log.Error.Printf("registry: remove %s: %v", old, err)
		}
	}

	list, err := r.readTrackList(ctx)
	if err != nil {
		return err
	}
	entry.Label = h.Label
	entry.URLTemplate = filepath.ToSlash(filepath.Join(tracksDir, h.Label, RefPlaceholder, trackio.ManifestName))
	e := list.Find(h.Label)
	if e == nil {
		list.Tracks = append(list.Tracks, TrackEntry{})
		e = &list.Tracks[len(list.Tracks)-1]
	}
	entry.Refs = e.Refs
	*e = entry
	if i := sort.SearchStrings(e.Refs, h.Ref); i == len(e.Refs) || e.Refs[i] != h.Ref {
		e.Refs = append(e.Refs, h.Ref)
		sort.Strings(e.Refs)
	}
	if err := r.writeJSON(ctx, TrackListName, list); err != nil {
		return err
	}
	log.Printf("registry: published %s/%s: %d features in %d chunks", h.Label, h.Ref, m.FeatureCount, len(m.Chunks))
	return nil
}

// TrackList reads trackList.json.  A missing file is an empty list.
func (r *Registry) TrackList(ctx context.Context) (*TrackList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readTrackList(ctx)
}

func (r *Registry) readTrackList(ctx context.Context) (*TrackList, error) {
	list := &TrackList{FormatVersion: trackio.FormatVersion, Tracks: []TrackEntry{}}
	err := r.readJSON(ctx, TrackListName, list)
	if errors.Is(errors.NotExist, err) {
		err = nil
	}
	return list, err
}

// WriteRefSeqs writes the reference sequence list.
func (r *Registry) WriteRefSeqs(ctx context.Context, refs []feature.RefSeq) error {
	if err := os.MkdirAll(filepath.Join(r.root, filepath.Dir(RefSeqsPath)), 0755); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeJSON(ctx, RefSeqsPath, refs)
}

// RefSeqs reads the reference sequence list.
func (r *Registry) RefSeqs(ctx context.Context) ([]feature.RefSeq, error) {
	var refs []feature.RefSeq
	err := r.readJSON(ctx, RefSeqsPath, &refs)
	return refs, err
}

func (r *Registry) readJSON(ctx context.Context, name string, v interface{}) (err error) {
	path := filepath.Join(r.root, name)
	in, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
			return errors.E(errors.NotExist, path, err)
		}
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	data, err := ioutil.ReadAll(in.Reader(ctx))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.E(errors.Integrity, path, err)
	}
	return nil
}

// writeJSON replaces the file "name" under the root.
func (r *Registry) writeJSON(ctx context.Context, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.root, name)
	tmp := path + ".tmp"
	out, err := file.Create(ctx, tmp)
	if err != nil {
		return err
	}
	if _, err = out.Writer(ctx).Write(data); err != nil {
		_ = out.Close(ctx)
		return errors.E(err, "registry: write", path)
	}
	if err = out.Close(ctx); err != nil {
		return errors.E(err, "registry: write", path)
	}
	return os.Rename(tmp, path)
}
