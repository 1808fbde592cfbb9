// Package overlay implements C6: applying one extracted layer tree into
// the working rootfs/ under OCI overlay semantics. The layer tarball is
// extracted straight into rootfsDir so tarextract's own whiteout/opaque
// handling (which acts against its destDir) operates directly on rootfs
// instead of a scratch tree whose markers would never reach it.
package overlay

import (
	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/tarextract"
	"github.com/Virviil/oci2git/internal/xlog"
)

// Apply extracts the layer tarball at tarballPath directly into
// rootfsDir: regular entries are added/replaced in place, and any
// ".wh.<name>" / ".wh..wh..opq" marker deletes or clears the
// corresponding rootfs path as tarextract walks the tarball.
func Apply(tarballPath, rootfsDir string, log xlog.Logger) error {
	if log == nil {
		log = xlog.Discard()
	}
	if err := tarextract.ExtractFile(tarballPath, rootfsDir, log); err != nil {
		return errors.Wrap(err, "apply layer tarball to rootfs")
	}
	return nil
}
