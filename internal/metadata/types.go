// Package metadata holds the image/layer data model shared by the
// extractor, the digest tracker and the markdown codec, and implements the
// markdown codec itself.
package metadata

import "time"

// Layer is one entry of an image's build history, oldest-to-newest.
type Layer struct {
	// ID is a stable identifier: the blob filename for a blob-backed
	// layer, or the synthetic token "<empty-layer-N>" for an empty one.
	ID string

	// Command is the build instruction with the shell-wrapper prefix
	// stripped ("/bin/sh -c " or "/bin/sh -c #(nop) ").
	Command string

	CreatedAt time.Time
	IsEmpty   bool

	// TarballPath is the path to the layer blob tarball; empty for
	// empty layers.
	TarballPath string

	// Digest is "sha256:<hex>" for blob-backed layers, "empty" for
	// empty layers, or "no-tarball" for non-empty history entries
	// lacking a blob.
	Digest string

	Comment string
}

const (
	DigestEmpty     = "empty"
	DigestNoTarball = "no-tarball"
)

// ImageMetadata is the full set of information committed in Image.md.
type ImageMetadata struct {
	Name         string
	ID           string
	RepoTags     []string
	Created      time.Time
	Architecture string
	OS           string

	Env          []string
	Cmd          []string
	Entrypoint   []string
	WorkingDir   string
	ExposedPorts []string
	Labels       map[string]string

	// LayerDigests is the append-only, ordered chain of per-layer
	// fingerprints; the only persisted state used for continuation
	// across runs.
	LayerDigests []LayerDigest
}

// LayerDigest is one entry of the persisted layer-digest chain.
type LayerDigest struct {
	Digest  string
	Command string
	Created time.Time
	IsEmpty bool
	Comment string
}

// FromLayer builds the chain entry for a Layer.
func FromLayer(l Layer) LayerDigest {
	return LayerDigest{
		Digest:  l.Digest,
		Command: l.Command,
		Created: l.CreatedAt,
		IsEmpty: l.IsEmpty,
		Comment: l.Comment,
	}
}

// OsArch returns "<os>-<arch>", used in branch naming.
func (m ImageMetadata) OsArch() string {
	return m.OS + "-" + m.Architecture
}
