// Package tarextract implements C1: streaming a (possibly gzipped) tar
// archive into a safe on-disk tree honoring OCI whiteouts, hardlinks and
// symlinks, dispatching on each filesystem entry's type the way a
// blob-import walk would dispatch on "entry <-> git blob" instead of
// "entry <-> destination-tree file".
package tarextract

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/xlog"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// pendingHardlink is a hardlink entry deferred to pass 2/3 because
// hardlink resolution must see every regular-file entry first.
type pendingHardlink struct {
	dest   string
	target string
}

// pendingSymlink is a symlink entry whose creation failed in pass 1 and
// is retried (as a copy) in pass 4.
type pendingSymlink struct {
	dest   string
	target string
}

type extractor struct {
	destDir   string
	log       xlog.Logger
	hardlinks []pendingHardlink
	symlinks  []pendingSymlink
}

// ExtractFile opens path (gzip or raw tar, auto-detected) and extracts it
// into destDir.
func ExtractFile(path, destDir string, log xlog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open archive %s", path)
	}
	defer f.Close()
	return Extract(f, destDir, log)
}

// Extract reads r (gzip or raw tar, auto-detected from the first two
// bytes) and extracts it into destDir, which is created if missing.
func Extract(r io.Reader, destDir string, log xlog.Logger) error {
	if log == nil {
		log = xlog.Discard()
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return errors.Wrapf(err, "create destination %s", destDir)
	}

	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	var tr *tar.Reader
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return errors.Wrap(err, "open gzip stream")
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	} else {
		tr = tar.NewReader(br)
	}

	ex := &extractor{destDir: destDir, log: log}
	if err := ex.pass1(tr); err != nil {
		return errors.Wrap(err, "extract tar stream")
	}
	ex.resolveHardlinks()
	ex.resolveSymlinkFallback()
	return nil
}

// pass1 streams entries, materializing directories/files/symlinks
// in-place, applying whiteouts immediately, and deferring hardlinks
// (always) and symlinks (only on creation failure) to later passes.
func (ex *extractor) pass1(tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read tar header")
		}

		rel := normalizeRelPath(hdr.Name)
		if rel == "" || rel == "." {
			continue
		}
		destPath := filepath.Join(ex.destDir, rel)
		dir := filepath.Dir(rel)
		base := filepath.Base(rel)

		if base == whiteoutOpaque {
			if err := applyOpaque(filepath.Join(ex.destDir, dir)); err != nil {
				ex.log.Warnf("tarextract: opaque whiteout at %s: %v", dir, err)
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			target := filepath.Join(ex.destDir, dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := applyWhiteout(target); err != nil {
				ex.log.Warnf("tarextract: whiteout %s: %v", rel, err)
			}
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			mode := os.FileMode(hdr.Mode&0o7777) | 0o700
			if err := os.MkdirAll(destPath, mode); err != nil {
				return errors.Wrapf(err, "mkdir %s", rel)
			}
			if err := os.Chmod(destPath, mode); err != nil {
				ex.log.Warnf("tarextract: chmod %s: %v", rel, err)
			}

		case tar.TypeReg:
			if err := ex.writeRegular(tr, hdr, rel, destPath); err != nil {
				return err
			}

		case tar.TypeSymlink:
			ex.createSymlink(dir, rel, destPath, hdr.Linkname)

		case tar.TypeLink:
			target := filepath.Join(ex.destDir, normalizeRelPath(hdr.Linkname))
			if err := prepareReplace(destPath); err != nil {
				ex.log.Warnf("tarextract: replace %s: %v", rel, err)
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return errors.Wrapf(err, "mkdir parent of %s", rel)
			}
			ex.hardlinks = append(ex.hardlinks, pendingHardlink{dest: destPath, target: target})

		default:
			ex.log.Debugf("tarextract: skipping unsupported entry %s (type %q)", rel, string(hdr.Typeflag))
		}
	}
}

func (ex *extractor) writeRegular(tr *tar.Reader, hdr *tar.Header, rel, destPath string) error {
	if err := prepareReplace(destPath); err != nil {
		ex.log.Warnf("tarextract: replace %s: %v", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir parent of %s", rel)
	}

	mode := os.FileMode(hdr.Mode & 0o7777)
	if mode&0o400 == 0 {
		mode |= 0o400 // owner-read always forced on, so Git can read the blob
	}

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode|0o200)
	if err != nil {
		return errors.Wrapf(err, "create %s", rel)
	}
	if _, err := io.Copy(f, tr); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", rel)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", rel)
	}
	if err := os.Chmod(destPath, mode); err != nil {
		ex.log.Warnf("tarextract: chmod %s: %v", rel, err)
	}
	return nil
}

func (ex *extractor) createSymlink(entryDir, rel, destPath, linkname string) {
	target := resolveSymlinkTarget(ex.destDir, entryDir, linkname)
	if err := prepareReplace(destPath); err != nil {
		ex.log.Warnf("tarextract: replace %s: %v", rel, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		ex.log.Warnf("tarextract: mkdir parent of %s: %v", rel, err)
		return
	}
	if err := os.Symlink(target, destPath); err != nil {
		ex.log.Debugf("tarextract: symlink %s -> %s deferred: %v", rel, target, err)
		ex.symlinks = append(ex.symlinks, pendingSymlink{dest: destPath, target: target})
	}
}

// resolveHardlinks runs pass 2 (first attempt) and pass 3 (retry after
// the rest of pass 2 has run) of the deferred-hardlink resolution.
func (ex *extractor) resolveHardlinks() {
	var retry []pendingHardlink
	for _, hl := range ex.hardlinks {
		if _, err := os.Lstat(hl.target); err != nil {
			retry = append(retry, hl)
			continue
		}
		if err := linkOrCopy(hl); err != nil {
			ex.log.Warnf("tarextract: hardlink %s: %v", hl.dest, err)
		}
	}

	for _, hl := range retry {
		if _, err := os.Lstat(hl.target); err != nil {
			ex.log.Warnf("tarextract: hardlink %s: target %s missing after retry, skipping", hl.dest, hl.target)
			continue
		}
		if err := linkOrCopy(hl); err != nil {
			ex.log.Warnf("tarextract: hardlink %s: %v", hl.dest, err)
		}
	}
}

func linkOrCopy(hl pendingHardlink) error {
	if err := os.Link(hl.target, hl.dest); err != nil {
		if cerr := copyFile(hl.target, hl.dest); cerr != nil {
			return errors.Wrapf(cerr, "copy fallback for hardlink %s -> %s", hl.dest, hl.target)
		}
	}
	return nil
}

// resolveSymlinkFallback is pass 4: for every symlink creation deferred
// in pass 1, if the target now exists, copy it into the symlink's
// location; otherwise skip.
func (ex *extractor) resolveSymlinkFallback() {
	for _, sl := range ex.symlinks {
		if _, err := os.Stat(sl.target); err != nil {
			ex.log.Debugf("tarextract: symlink %s -> %s still unavailable, skipping", sl.dest, sl.target)
			continue
		}
		if err := copyFile(sl.target, sl.dest); err != nil {
			ex.log.Debugf("tarextract: symlink %s -> %s fallback copy failed: %v, skipping", sl.dest, sl.target, err)
		}
	}
}

func prepareReplace(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}

func applyOpaque(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dirPath, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func applyWhiteout(path string) error {
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.RemoveAll(path)
}

func copyFile(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dst)
		return os.Symlink(target, dst)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	_ = os.Remove(dst)
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// normalizeRelPath decomposes name, drops ".", pops one component per
// "..", and strips any absolute prefix (POSIX root or a Windows drive
// letter), always yielding a path relative to and contained within the
// destination root.
func normalizeRelPath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if len(name) >= 2 && name[1] == ':' && isASCIILetter(name[0]) {
		name = name[2:]
	}

	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, p)
		}
	}
	return filepath.Join(out...)
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// resolveSymlinkTarget computes an absolute, destDir-anchored target for
// a symlink entry found at entryDir (relative to destDir): an absolute
// linkname is normalized and anchored directly under destDir; a relative
// linkname is first joined against entryDir.
func resolveSymlinkTarget(destDir, entryDir, linkname string) string {
	linkname = strings.ReplaceAll(linkname, "\\", "/")
	var rel string
	if strings.HasPrefix(linkname, "/") {
		rel = normalizeRelPath(linkname)
	} else {
		rel = normalizeRelPath(filepath.Join(entryDir, linkname))
	}
	return filepath.Join(destDir, rel)
}
