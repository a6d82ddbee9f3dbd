// Package nameindex maps feature names to the places they occur, across all
// tracks and reference sequences.  It is stored in a pebble database.
//
// Two key families are kept:
//
//	n/<lowercased name>\x00<fingerprint>            -> JSON Entry
//	t/<track>\x00<ref>\x00<n-key>                    -> empty
//
// The "t/" keys let a new build of a (track, ref) pair replace the entries of
// the previous build.
package nameindex

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/cockroachdb/pebble"
	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/tracks/flatten"
)

const (
	namePrefix  = "n/"
	trackPrefix = "t/"
	// fpLen is the length of the key suffix: a separator plus a 64-bit
	// fingerprint.
	fpLen = 9
)

// Entry is one occurrence of a name.
type Entry struct {
	Name    string `json:"name"`
	Track   string `json:"track"`
	Ref     string `json:"ref"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Feature uint64 `json:"feature"`
	Type    string `json:"type,omitempty"`
}

// Index is an open name index.  Thread safe.
type Index struct {
	db *pebble.DB
}

// Open opens the index in "dir", creating it if needed.
func Open(dir string) (*Index, error) {
	return open(dir, &pebble.Options{})
}

// OpenReadOnly opens an existing index for lookups.  Finalize fails on a
// read-only index.
func OpenReadOnly(dir string) (*Index, error) {
	return open(dir, &pebble.Options{ReadOnly: true})
}

func open(dir string, opts *pebble.Options) (*Index, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, errors.E(err, "nameindex: open", dir)
	}
	return &Index{db: db}, nil
}

// Close closes the index.  Builders must be finalized or aborted first.
func (x *Index) Close() error {
	return x.db.Close()
}

func nameKey(name string, fp uint64) []byte {
	key := make([]byte, 0, len(namePrefix)+len(name)+fpLen)
	key = append(key, namePrefix...)
	key = append(key, strings.ToLower(name)...)
	key = append(key, 0)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], fp)
	return append(key, buf[:]...)
}

func trackKeyPrefix(track, ref string) []byte {
	return []byte(trackPrefix + track + "\x00" + ref + "\x00")
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// keyName extracts the lowercased name from an "n/" key.
func keyName(key []byte) string {
	if len(key) < len(namePrefix)+fpLen {
		return ""
	}
	return string(key[len(namePrefix) : len(key)-fpLen])
}

// scan calls fn for each key/value in [lower, upper).
func (x *Index) scan(lower, upper []byte, fn func(k, v []byte) bool) error {
	it, err := x.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for valid := it.First(); valid; valid = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Close()
}

func decodeEntry(key, value []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(value, &e); err != nil {
		return e, errors.E(errors.Integrity, fmt.Sprintf("nameindex: key %q", key), err)
	}
	return e, nil
}

// Lookup returns the occurrences of "name", compared case-insensitively.
func (x *Index) Lookup(name string) ([]Entry, error) {
	prefix := []byte(namePrefix + strings.ToLower(name) + "\x00")
	var (
		out  []Entry
		derr error
	)
	err := x.scan(prefix, prefixEnd(prefix), func(k, v []byte) bool {
		// Names containing NUL could share the prefix.
		if len(k) != len(prefix)+fpLen-1 {
			return true
		}
		var e Entry
		if e, derr = decodeEntry(k, v); derr != nil {
			return false
		}
		out = append(out, e)
		return true
	})
	if err == nil {
		err = derr
	}
	return out, err
}

// Complete returns up to "limit" occurrences of names that start with
// "prefix", case-insensitively, ordered by lowercased name.  A limit <= 0
// means no limit.
func (x *Index) Complete(prefix string, limit int) ([]Entry, error) {
	lower := []byte(namePrefix + strings.ToLower(prefix))
	var (
		out  []Entry
		derr error
	)
	err := x.scan(lower, prefixEnd(lower), func(k, v []byte) bool {
		var e Entry
		if e, derr = decodeEntry(k, v); derr != nil {
			return false
		}
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	if err == nil {
		err = derr
	}
	return out, err
}

// Suggestion is a name close to a query.
type Suggestion struct {
	// Name is lowercased.
	Name     string
	Distance int
}

// Suggest returns up to "limit" distinct names within Levenshtein distance
// "maxDist" of "name", closest first.  Names are compared lowercased.
func (x *Index) Suggest(name string, maxDist, limit int) ([]Suggestion, error) {
	query := strings.ToLower(name)
	var (
		out  []Suggestion
		last string
	)
	prefix := []byte(namePrefix)
	err := x.scan(prefix, prefixEnd(prefix), func(k, _ []byte) bool {
		candidate := keyName(k)
		if candidate == last {
			return true
		}
		last = candidate
		if d := len(candidate) - len(query); d > maxDist || -d > maxDist {
			return true
		}
		if d := matchr.Levenshtein(query, candidate); d <= maxDist {
			out = append(out, Suggestion{Name: candidate, Distance: d})
		}
		return true
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

// Builder collects the names of one (track, ref) pair.  The names become
// visible atomically when Finalize succeeds, replacing those of any previous
// build of the pair.  Thread compatible.
type Builder struct {
	x          *Index
	track, ref string
	batch      *pebble.Batch
	n          int
	done       bool
}

// NewBuilder creates a builder for names of "track" on "ref".
func (x *Index) NewBuilder(track, ref string) *Builder {
	return &Builder{x: x, track: track, ref: ref, batch: x.db.NewBatch()}
}

// AddName adds every name of "rec".  Records may arrive in any order;
// adding the same name of the same feature twice stores it once.
func (b *Builder) AddName(rec *flatten.NameRecord) error {
	if b.done {
		return errors.E(errors.Precondition, "nameindex: AddName after Finalize or Abort")
	}
	tkPrefix := trackKeyPrefix(b.track, b.ref)
	for _, name := range rec.Names {
		if name == "" {
			continue
		}
		fp := farm.Fingerprint64([]byte(fmt.Sprintf("%s\x00%s\x00%d\x00%s", b.track, b.ref, rec.Feature, name)))
		key := nameKey(name, fp)
		value, err := json.Marshal(Entry{
			Name: name, Track: b.track, Ref: b.ref,
			Start: rec.Start, End: rec.End, Feature: rec.Feature, Type: rec.Type,
		})
		if err != nil {
			return err
		}
		if err := b.batch.Set(key, value, nil); err != nil {
			return err
		}
		if err := b.batch.Set(append(tkPrefix[:len(tkPrefix):len(tkPrefix)], key...), nil, nil); err != nil {
			return err
		}
		b.n++
	}
	return nil
}

// Len returns the number of names added so far.
func (b *Builder) Len() int { return b.n }

// Finalize removes the names of the previous build of the pair and commits
// the new ones in one batch.
func (b *Builder) Finalize() error {
	if b.done {
		return errors.E(errors.Precondition, "nameindex: Finalize called twice")
	}
	b.done = true
	defer b.batch.Close() // nolint: errcheck

	commit := b.x.db.NewBatch()
	defer commit.Close() // nolint: errcheck
	prefix := trackKeyPrefix(b.track, b.ref)
	var derr error
	err := b.x.scan(prefix, prefixEnd(prefix), func(k, _ []byte) bool {
		if derr = commit.Delete(bytes.TrimPrefix(k, prefix), nil); derr != nil {
			return false
		}
		derr = commit.Delete(k, nil)
		return derr == nil
	})
	if err == nil {
		err = derr
	}
	if err == nil {
		err = commit.Apply(b.batch, nil)
	}
	if err == nil {
		err = commit.Commit(pebble.Sync)
	}
	if err != nil {
		return errors.E(err, fmt.Sprintf("nameindex: finalize %s/%s", b.track, b.ref))
	}
	log.Debug.Printf("nameindex: %s/%s: committed %d names", b.track, b.ref, b.n)
	return nil
}

// Abort discards the names added to the builder.
func (b *Builder) Abort() {
	if b.done {
		return
	}
	b.done = true
	if err := b.batch.Close(); err != nil {
		log.Error.Printf("nameindex: abort %s/%s: %v", b.track, b.ref, err)
	}
}
