// Package ociimage implements C2: parsing an extracted OCI/Docker image
// tarball's manifest.json, optional index.json and config blob into an
// ordered Layer chain and ImageMetadata, grounded on the manifest/config
// correlation in wuxler-ruasec's pkg/image/docker-archive/image.go,
// generalized to also carry empty history entries.
package ociimage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/metadata"
	"github.com/Virviil/oci2git/internal/tarextract"
	"github.com/Virviil/oci2git/internal/xlog"
)

// dockerManifestEntry is one element of the top-level manifest.json array
// written by `docker save` / the OCI tar layout.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// ExtractedImage is the owned handle returned by Extract: metadata and
// layers plus the temporary extraction storage they reference. The
// caller must Close it when done.
type ExtractedImage struct {
	Metadata metadata.ImageMetadata
	Layers   []metadata.Layer

	tempDir string
}

// Close releases the owned temporary extraction directory.
func (e *ExtractedImage) Close() error {
	if e == nil || e.tempDir == "" {
		return nil
	}
	return os.RemoveAll(e.tempDir)
}

// Extract unpacks the image tarball at tarPath and parses its
// manifest/config/history into an ExtractedImage. imageRef is the image
// reference as supplied by the caller, used as the metadata Name and as
// the fallback source for RepoTags.
func Extract(tarPath, imageRef string, log xlog.Logger) (*ExtractedImage, error) {
	tempDir, err := os.MkdirTemp("", "oci2git-image-")
	if err != nil {
		return nil, errors.Wrap(err, "create temp extraction dir")
	}

	extractDir := filepath.Join(tempDir, "extracted")
	if err := tarextract.ExtractFile(tarPath, extractDir, log); err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrap(err, "extract image tarball")
	}

	manifestData, err := os.ReadFile(filepath.Join(extractDir, "manifest.json"))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrap(err, "read manifest.json")
	}

	var manifests []dockerManifestEntry
	if err := json.Unmarshal(manifestData, &manifests); err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrap(err, "parse manifest.json")
	}
	if len(manifests) == 0 {
		os.RemoveAll(tempDir)
		return nil, errors.New("manifest.json has no entries")
	}
	man := manifests[0]

	configData, err := os.ReadFile(filepath.Join(extractDir, man.Config))
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrapf(err, "read config blob %s", man.Config)
	}

	var cfg imgspecv1.Image
	if err := json.Unmarshal(configData, &cfg); err != nil {
		os.RemoveAll(tempDir)
		return nil, errors.Wrap(err, "parse config blob")
	}
	if cfg.History == nil {
		os.RemoveAll(tempDir)
		return nil, errors.New("config blob has no history")
	}

	layers := reconstructLayers(cfg.History, man.Layers, extractDir)

	m := metadata.ImageMetadata{
		Name:         imageRef,
		ID:           deriveID(extractDir, man.Config),
		RepoTags:     repoTags(man.RepoTags, imageRef),
		Created:      derefTime(cfg.Created),
		Architecture: cfg.Architecture,
		OS:           cfg.OS,
		Env:          cfg.Config.Env,
		Cmd:          cfg.Config.Cmd,
		Entrypoint:   cfg.Config.Entrypoint,
		WorkingDir:   workingDir(cfg.Config.WorkingDir),
		ExposedPorts: portKeys(cfg.Config.ExposedPorts),
		Labels:       cfg.Config.Labels,
	}

	return &ExtractedImage{Metadata: m, Layers: layers, tempDir: tempDir}, nil
}

// reconstructLayers implements spec.md 4.2 step 5: history is walked in
// reverse while tarballIndex tracks the next (from the end) non-empty
// blob to associate, then the accumulated result is reversed back to
// oldest-first.
func reconstructLayers(history []imgspecv1.History, layerPaths []string, extractDir string) []metadata.Layer {
	tarballIndex := len(layerPaths)
	reversed := make([]metadata.Layer, 0, len(history))

	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		created := derefTime(h.Created)
		command := normalizeCreatedBy(h.CreatedBy)

		if h.EmptyLayer {
			reversed = append(reversed, metadata.Layer{
				ID:        fmt.Sprintf("<empty-layer-%d>", i),
				Command:   command,
				CreatedAt: created,
				IsEmpty:   true,
				Digest:    metadata.DigestEmpty,
				Comment:   h.Comment,
			})
			continue
		}

		tarballIndex--
		if tarballIndex < 0 {
			// more non-empty history entries than layer blobs: per
			// spec.md's Open Question, this becomes a plain empty
			// commit, not an attempted (and impossible) overlay apply.
			reversed = append(reversed, metadata.Layer{
				ID:        fmt.Sprintf("<empty-layer-%d>", i),
				Command:   command,
				CreatedAt: created,
				IsEmpty:   false,
				Digest:    metadata.DigestNoTarball,
				Comment:   h.Comment,
			})
			continue
		}

		blobPath := layerPaths[tarballIndex]
		layer := metadata.Layer{
			ID:        blobPath,
			Command:   command,
			CreatedAt: created,
			IsEmpty:   false,
			Comment:   h.Comment,
		}
		if hex := digestFromBlobPath(blobPath); hex != "" {
			d := digest.NewDigestFromEncoded(digest.SHA256, hex)
			if d.Validate() != nil {
				layer.Digest = metadata.DigestNoTarball
			} else {
				layer.TarballPath = filepath.Join(extractDir, blobPath)
				layer.Digest = d.String()
			}
		} else {
			layer.Digest = metadata.DigestNoTarball
		}
		reversed = append(reversed, layer)
	}

	layers := make([]metadata.Layer, len(reversed))
	for i, l := range reversed {
		layers[len(reversed)-1-i] = l
	}
	return layers
}

// normalizeCreatedBy strips the shell-wrapper prefix (first match wins)
// and left-trims what remains.
func normalizeCreatedBy(s string) string {
	const nopPrefix = "/bin/sh -c #(nop) "
	const shPrefix = "/bin/sh -c "
	switch {
	case strings.HasPrefix(s, nopPrefix):
		s = s[len(nopPrefix):]
	case strings.HasPrefix(s, shPrefix):
		s = s[len(shPrefix):]
	}
	return strings.TrimLeft(s, " ")
}

// digestFromBlobPath extracts the hex digest from a manifest.json layer
// path, which is either "blobs/sha256/<hex>" (OCI layout) or a legacy
// "<hex>/layer.tar"-style path.
func digestFromBlobPath(p string) string {
	p = filepath.ToSlash(p)
	if idx := strings.Index(p, "blobs/sha256/"); idx != -1 {
		rest := p[idx+len("blobs/sha256/"):]
		return strings.SplitN(rest, "/", 2)[0]
	}
	hex := strings.SplitN(p, "/", 2)[0]
	for _, ext := range []string{".tar.gz", ".tar", ".json"} {
		hex = strings.TrimSuffix(hex, ext)
	}
	return hex
}

// deriveID implements spec.md 4.2 step 4's priority: index.json's first
// manifest digest, then a digest recovered from the config blob's path,
// else empty (left for the caller to substitute).
func deriveID(extractDir, configPath string) string {
	if data, err := os.ReadFile(filepath.Join(extractDir, "index.json")); err == nil {
		var idx imgspecv1.Index
		if err := json.Unmarshal(data, &idx); err == nil && len(idx.Manifests) > 0 {
			if d := idx.Manifests[0].Digest.String(); d != "" {
				return d
			}
		}
	}

	cp := filepath.ToSlash(configPath)
	if idx := strings.Index(cp, "blobs/sha256/"); idx != -1 {
		rest := cp[idx+len("blobs/sha256/"):]
		if hex := strings.SplitN(rest, "/", 2)[0]; hex != "" {
			return "sha256:" + hex
		}
	}
	if strings.HasSuffix(cp, ".json") {
		if hex := strings.TrimSuffix(filepath.Base(cp), ".json"); hex != "" {
			return "sha256:" + hex
		}
	}
	return ""
}

func repoTags(tags []string, imageRef string) []string {
	if len(tags) > 0 {
		return tags
	}
	return []string{fallbackRepoTag(imageRef)}
}

// fallbackRepoTag derives "<stem>:latest" from an image reference or tar
// path, per spec.md 4.2's RepoTags fallback.
func fallbackRepoTag(ref string) string {
	stem := filepath.Base(filepath.ToSlash(ref))
	for _, ext := range []string{".tar.gz", ".tgz", ".tar"} {
		if strings.HasSuffix(stem, ext) {
			stem = strings.TrimSuffix(stem, ext)
			break
		}
	}
	if i := strings.LastIndex(stem, ":"); i != -1 {
		stem = stem[:i]
	}
	return stem + ":latest"
}

func workingDir(w string) string {
	if w == "" {
		return "/"
	}
	return w
}

func portKeys(ports map[string]struct{}) []string {
	if len(ports) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ports))
	for k := range ports {
		keys = append(keys, k)
	}
	return keys
}

// timeNow is a seam for tests to pin the fallback timestamp used when a
// history/config entry has no created time.
var timeNow = time.Now

// derefTime returns *t, or the current time when t is nil (the entry has
// no created time). A created time that is present but malformed gets no
// fallback: it already makes decoding the config blob fail in Extract.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return timeNow()
	}
	return *t
}
