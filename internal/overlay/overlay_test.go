package overlay

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func buildLayerTar(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	// Entries are written in sorted name order so that a ".wh..wh..opq"
	// marker precedes its siblings in the same directory.
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("WriteHeader(%s): %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar Close: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "layer.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write layer tarball: %v", err)
	}
	return path
}

func TestApplyAddsFiles(t *testing.T) {
	rootfs := t.TempDir()
	layer := buildLayerTar(t, map[string]string{"etc/motd": "welcome\n"})

	if err := Apply(layer, rootfs, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(rootfs, "etc", "motd"))
	if err != nil {
		t.Fatalf("read rootfs file: %v", err)
	}
	if string(got) != "welcome\n" {
		t.Errorf("content = %q", got)
	}
}

func TestApplyWhiteoutRemovesFromRootfs(t *testing.T) {
	rootfs := t.TempDir()
	base := buildLayerTar(t, map[string]string{"var/log/app.log": "line"})
	if err := Apply(base, rootfs, nil); err != nil {
		t.Fatalf("base Apply: %v", err)
	}

	layer := buildLayerTar(t, map[string]string{"var/log/.wh.app.log": ""})
	if err := Apply(layer, rootfs, nil); err != nil {
		t.Fatalf("whiteout Apply: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfs, "var", "log", "app.log")); !os.IsNotExist(err) {
		t.Errorf("expected app.log removed from rootfs by whiteout")
	}
}

func TestApplyOpaqueWhiteoutClearsRootfsDir(t *testing.T) {
	rootfs := t.TempDir()
	base := buildLayerTar(t, map[string]string{
		"cache/one": "1",
		"cache/two": "2",
	})
	if err := Apply(base, rootfs, nil); err != nil {
		t.Fatalf("base Apply: %v", err)
	}

	layer := buildLayerTar(t, map[string]string{
		"cache/.wh..wh..opq": "",
		"cache/three":        "3",
	})
	if err := Apply(layer, rootfs, nil); err != nil {
		t.Fatalf("opaque Apply: %v", err)
	}

	if _, err := os.Stat(filepath.Join(rootfs, "cache", "one")); !os.IsNotExist(err) {
		t.Errorf("expected cache/one cleared")
	}
	if _, err := os.Stat(filepath.Join(rootfs, "cache", "two")); !os.IsNotExist(err) {
		t.Errorf("expected cache/two cleared")
	}
	if _, err := os.ReadFile(filepath.Join(rootfs, "cache", "three")); err != nil {
		t.Errorf("expected cache/three present: %v", err)
	}
}

func TestApplyReplacesExistingFile(t *testing.T) {
	rootfs := t.TempDir()
	base := buildLayerTar(t, map[string]string{"bin/tool": "v1"})
	if err := Apply(base, rootfs, nil); err != nil {
		t.Fatalf("base Apply: %v", err)
	}

	layer := buildLayerTar(t, map[string]string{"bin/tool": "v2, longer content"})
	if err := Apply(layer, rootfs, nil); err != nil {
		t.Fatalf("overwrite Apply: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(rootfs, "bin", "tool"))
	if err != nil {
		t.Fatalf("read overwritten file: %v", err)
	}
	if string(got) != "v2, longer content" {
		t.Errorf("content after overwrite = %q", got)
	}
}
