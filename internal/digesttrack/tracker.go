// Package digesttrack implements the in-memory chain of layer
// fingerprints (C4) used to adjudicate whether a new layer is already
// materialized as an existing commit.
package digesttrack

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/metadata"
)

// Tracker is an ordered, append-only vector of LayerDigest entries. It is
// the sole adjudicator of layer equivalence; callers never compare file
// content directly.
type Tracker struct {
	chain []metadata.LayerDigest
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

// FromChain builds a tracker from a chain already parsed elsewhere (e.g.
// from a candidate commit's Image.md).
func FromChain(chain []metadata.LayerDigest) *Tracker {
	return &Tracker{chain: append([]metadata.LayerDigest(nil), chain...)}
}

// Len returns the number of entries currently tracked.
func (t *Tracker) Len() int {
	return len(t.chain)
}

// Chain returns the tracked entries, oldest first. The caller must not
// mutate the returned slice.
func (t *Tracker) Chain() []metadata.LayerDigest {
	return t.chain
}

// Append adds a new entry at position pos. pos must equal Len(): the
// chain only ever grows at its tail, one layer at a time.
func (t *Tracker) Append(pos int, entry metadata.LayerDigest) error {
	if pos != len(t.chain) {
		return errors.Errorf("digesttrack: append at %d, but chain has %d entries", pos, len(t.chain))
	}
	t.chain = append(t.chain, entry)
	return nil
}

// Get returns the entry at pos.
func (t *Tracker) Get(pos int) (metadata.LayerDigest, bool) {
	if pos < 0 || pos >= len(t.chain) {
		return metadata.LayerDigest{}, false
	}
	return t.chain[pos], true
}

// Matches reports whether the tracked entry at pos fingerprints the same
// layer as newLayer.
func (t *Tracker) Matches(pos int, newLayer metadata.Layer) bool {
	have, ok := t.Get(pos)
	if !ok {
		return false
	}

	if have.IsEmpty != newLayer.IsEmpty {
		return false
	}
	if !timesEqual(have.Created, newLayer.CreatedAt) {
		return false
	}
	if have.IsEmpty {
		return have.Command == newLayer.Command
	}
	return have.Digest == normalizeDigest(newLayer)
}

// normalizeDigest returns "sha256:..." and "<empty-layer-N>" ids as-is;
// for any other id it returns the layer's own Digest when that is set,
// and only otherwise the id prefixed with "sha256:".
func normalizeDigest(l metadata.Layer) string {
	id := l.ID
	if strings.HasPrefix(id, "sha256:") {
		return id
	}
	if strings.HasPrefix(id, "<empty-layer-") {
		return id
	}
	if l.Digest != "" {
		return l.Digest
	}
	return "sha256:" + id
}

// timesEqual normalizes "Z" and "+00:00" as equal while comparing other
// zone offsets literally: both timestamps are reformatted through
// time.RFC3339, which prints "Z" for any zero UTC offset regardless of
// whether the original text spelled it "Z" or "+00:00", and preserves any
// non-zero offset's literal text.
func timesEqual(a, b time.Time) bool {
	return a.Format(time.RFC3339) == b.Format(time.RFC3339)
}
