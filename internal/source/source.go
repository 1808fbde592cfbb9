// Package source implements the image-source capability (spec.md §9):
// resolving an image reference to a tarball plus computing that image's
// branch name. The docker/nerdctl engines shell out to their CLI (build
// argv, capture stdout/stderr, wrap failures with the captured stderr).
package source

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/refname"
)

// Source is the one polymorphism point processor (C7) depends on for
// acquiring image data, per spec.md §9's capability-over-inheritance
// design.
type Source interface {
	// GetImageTarball resolves ref to a tar path. ownedTempDir is
	// non-empty when the source produced a temp directory the caller
	// must remove once done; tar-engine sources return "" since they
	// merely point at a path the caller does not own.
	GetImageTarball(ref string) (tarPath, ownedTempDir string, err error)

	// BranchName computes the branch-naming-contract string (spec.md
	// §6) for ref, an "<os>-<arch>" pair and an image digest/ID.
	BranchName(ref, osArch, digest string) string

	Name() string
}

// New resolves the -e/--engine flag to a Source implementation.
func New(engine string) (Source, error) {
	switch engine {
	case "docker":
		return dockerEngine{}, nil
	case "nerdctl":
		return nerdctlEngine{}, nil
	case "tar":
		return tarEngine{}, nil
	default:
		return nil, errors.Errorf("unknown engine %q (want docker, nerdctl or tar)", engine)
	}
}

type dockerEngine struct{}

func (dockerEngine) Name() string { return "docker" }

func (dockerEngine) GetImageTarball(ref string) (string, string, error) {
	return saveViaCLI("docker", ref)
}

func (dockerEngine) BranchName(ref, osArch, digest string) string {
	return containerRefBranchName(ref, osArch, digest)
}

type nerdctlEngine struct{}

func (nerdctlEngine) Name() string { return "nerdctl" }

func (nerdctlEngine) GetImageTarball(ref string) (string, string, error) {
	return saveViaCLI("nerdctl", ref)
}

func (nerdctlEngine) BranchName(ref, osArch, digest string) string {
	return containerRefBranchName(ref, osArch, digest)
}

// tarEngine treats the positional argument as an already-existing
// tarball path; it owns nothing and removes nothing.
type tarEngine struct{}

func (tarEngine) Name() string { return "tar" }

func (tarEngine) GetImageTarball(ref string) (string, string, error) {
	if _, err := os.Stat(ref); err != nil {
		return "", "", errors.Wrapf(err, "stat tarball %s", ref)
	}
	return ref, "", nil
}

func (tarEngine) BranchName(ref, osArch, digest string) string {
	stem := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(
		filepath.Base(ref), ".tar.gz"), ".tgz"), ".tar")
	return refname.Sanitize(stem) + "#" + "latest" + "#" + osArch + "#" + shortDigest(digest)
}

// saveViaCLI runs "<cli> save <ref>" and captures its stdout (a tar
// stream) into a fresh temp file, the caller-owned resource whose
// parent temp dir is returned for later cleanup.
func saveViaCLI(cli, ref string) (string, string, error) {
	tempDir, err := os.MkdirTemp("", "oci2git-"+cli+"-")
	if err != nil {
		return "", "", errors.Wrap(err, "create temp dir")
	}

	tarPath := filepath.Join(tempDir, "image.tar")
	out, err := os.Create(tarPath)
	if err != nil {
		os.RemoveAll(tempDir)
		return "", "", errors.Wrap(err, "create tar output file")
	}

	runErr := runCapturingStdout(cli, []string{"save", ref}, out)
	closeErr := out.Close()

	if runErr != nil {
		os.RemoveAll(tempDir)
		return "", "", errors.Wrapf(runErr, "%s save %s", cli, ref)
	}
	if closeErr != nil {
		os.RemoveAll(tempDir)
		return "", "", errors.Wrap(closeErr, "close tar output file")
	}

	return tarPath, tempDir, nil
}

// containerRefBranchName implements spec.md §6's container-reference
// branch naming rule.
func containerRefBranchName(ref, osArch, digest string) string {
	lowered := strings.ToLower(ref)
	name, tag := lowered, "latest"
	if i := strings.LastIndex(lowered, ":"); i != -1 && !strings.Contains(lowered[i:], "/") {
		name, tag = lowered[:i], lowered[i+1:]
	}
	name = strings.ReplaceAll(name, "/", "-")
	name = strings.ReplaceAll(name, "@", "-")
	return name + "#" + tag + "#" + osArch + "#" + shortDigest(digest)
}

// shortDigest implements spec.md §6's digest truncation rule.
func shortDigest(digest string) string {
	const prefix = "sha256:"
	if strings.HasPrefix(digest, prefix) {
		hex := strings.TrimPrefix(digest, prefix)
		if len(hex) > 12 {
			return hex[:12]
		}
		return hex
	}
	return digest
}
