package ociimage

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Virviil/oci2git/internal/metadata"
	"github.com/Virviil/oci2git/internal/xlog"
)

func addEntry(t *testing.T, tw *tar.Writer, name string, content []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("WriteHeader(%s): %v", name, err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("Write(%s): %v", name, err)
	}
}

const (
	testLayerHex  = "1111111111111111111111111111111111111111111111111111111111111111"[:64]
	testConfigHex = "2222222222222222222222222222222222222222222222222222222222222222"[:64]
)

// buildImageTarball writes a legacy docker-save layout tarball: manifest.json,
// a config blob and one non-empty + one empty history entry, with a single
// layer blob backing the non-empty one.
func buildImageTarball(t *testing.T) string {
	t.Helper()
	created := time.Date(2024, 2, 15, 10, 0, 0, 0, time.UTC)

	var layerBuf bytes.Buffer
	ltw := tar.NewWriter(&layerBuf)
	addEntry(t, ltw, "usr/bin/app", []byte("binary-content"))
	if err := ltw.Close(); err != nil {
		t.Fatalf("layer tar Close: %v", err)
	}

	config := `{
		"created": "` + created.Format(time.RFC3339) + `",
		"architecture": "amd64",
		"os": "linux",
		"config": {
			"Env": ["PATH=/usr/bin"],
			"Cmd": ["/bin/sh", "-c", "app"],
			"WorkingDir": "/srv",
			"ExposedPorts": {"8080/tcp": {}}
		},
		"history": [
			{"created": "` + created.Format(time.RFC3339) + `", "created_by": "/bin/sh -c #(nop) ENV PATH=/usr/bin", "empty_layer": true},
			{"created": "` + created.Format(time.RFC3339) + `", "created_by": "/bin/sh -c #(nop) COPY app /usr/bin/app"}
		]
	}`

	manifest := `[{"Config":"` + testConfigHex + `.json","RepoTags":["sample:v1"],"Layers":["` + testLayerHex + `/layer.tar"]}]`

	var outer bytes.Buffer
	tw := tar.NewWriter(&outer)
	addEntry(t, tw, "manifest.json", []byte(manifest))
	addEntry(t, tw, testConfigHex+".json", []byte(config))
	addEntry(t, tw, testLayerHex+"/layer.tar", layerBuf.Bytes())
	if err := tw.Close(); err != nil {
		t.Fatalf("outer tar Close: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "image.tar")
	if err := os.WriteFile(path, outer.Bytes(), 0o644); err != nil {
		t.Fatalf("write image tarball: %v", err)
	}
	return path
}

func TestExtractParsesMetadataAndLayers(t *testing.T) {
	tarPath := buildImageTarball(t)

	img, err := Extract(tarPath, "sample:v1", xlog.Discard())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	defer img.Close()

	if img.Metadata.Name != "sample:v1" {
		t.Errorf("Name = %q", img.Metadata.Name)
	}
	if len(img.Metadata.RepoTags) != 1 || img.Metadata.RepoTags[0] != "sample:v1" {
		t.Errorf("RepoTags = %v", img.Metadata.RepoTags)
	}
	if img.Metadata.Architecture != "amd64" || img.Metadata.OS != "linux" {
		t.Errorf("Architecture/OS = %q/%q", img.Metadata.Architecture, img.Metadata.OS)
	}
	if img.Metadata.WorkingDir != "/srv" {
		t.Errorf("WorkingDir = %q", img.Metadata.WorkingDir)
	}
	if len(img.Metadata.ExposedPorts) != 1 || img.Metadata.ExposedPorts[0] != "8080/tcp" {
		t.Errorf("ExposedPorts = %v", img.Metadata.ExposedPorts)
	}
	if img.Metadata.ID != "sha256:"+testConfigHex {
		t.Errorf("ID = %q, want %q", img.Metadata.ID, "sha256:"+testConfigHex)
	}

	if len(img.Layers) != 2 {
		t.Fatalf("len(Layers) = %d, want 2", len(img.Layers))
	}

	empty := img.Layers[0]
	if !empty.IsEmpty || empty.Digest != metadata.DigestEmpty {
		t.Errorf("Layers[0] = %+v, want an empty layer", empty)
	}
	if empty.Command != "ENV PATH=/usr/bin" {
		t.Errorf("Layers[0].Command = %q", empty.Command)
	}

	nonEmpty := img.Layers[1]
	if nonEmpty.IsEmpty {
		t.Fatal("Layers[1] should not be empty")
	}
	if nonEmpty.Command != "COPY app /usr/bin/app" {
		t.Errorf("Layers[1].Command = %q", nonEmpty.Command)
	}
	if nonEmpty.Digest != "sha256:"+testLayerHex {
		t.Errorf("Layers[1].Digest = %q, want %q", nonEmpty.Digest, "sha256:"+testLayerHex)
	}
	if _, err := os.Stat(nonEmpty.TarballPath); err != nil {
		t.Errorf("Layers[1].TarballPath %q should exist: %v", nonEmpty.TarballPath, err)
	}
}

func TestExtractMissingManifestFails(t *testing.T) {
	dir := t.TempDir()
	var empty bytes.Buffer
	tw := tar.NewWriter(&empty)
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}
	path := filepath.Join(dir, "empty.tar")
	if err := os.WriteFile(path, empty.Bytes(), 0o644); err != nil {
		t.Fatalf("write tarball: %v", err)
	}

	if _, err := Extract(path, "x", xlog.Discard()); err == nil {
		t.Fatal("expected an error for a tarball with no manifest.json")
	}
}

func TestDerefTimeFallsBackToNow(t *testing.T) {
	pinned := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := timeNow
	timeNow = func() time.Time { return pinned }
	defer func() { timeNow = orig }()

	if got := derefTime(nil); !got.Equal(pinned) {
		t.Errorf("derefTime(nil) = %v, want %v", got, pinned)
	}

	explicit := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := derefTime(&explicit); !got.Equal(explicit) {
		t.Errorf("derefTime(&explicit) = %v, want %v", got, explicit)
	}
}

func TestNormalizeCreatedBy(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/bin/sh -c #(nop) ENV FOO=bar", "ENV FOO=bar"},
		{"/bin/sh -c apt-get update", "apt-get update"},
		{"already plain", "already plain"},
	}
	for _, tt := range tests {
		if got := normalizeCreatedBy(tt.in); got != tt.want {
			t.Errorf("normalizeCreatedBy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDigestFromBlobPath(t *testing.T) {
	tests := []struct{ in, want string }{
		{"blobs/sha256/" + testLayerHex, testLayerHex},
		{testLayerHex + "/layer.tar", testLayerHex},
		{testLayerHex + ".tar", testLayerHex},
	}
	for _, tt := range tests {
		if got := digestFromBlobPath(tt.in); got != tt.want {
			t.Errorf("digestFromBlobPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFallbackRepoTag(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/exports/my-app.tar.gz", "my-app:latest"},
		{"/exports/my-app_v2.tar", "my-app_v2:latest"},
		{"registry/my-app:v3", "my-app:latest"},
	}
	for _, tt := range tests {
		if got := fallbackRepoTag(tt.in); got != tt.want {
			t.Errorf("fallbackRepoTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
