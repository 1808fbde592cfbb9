// Package convert implements C7: the processor that drives source
// acquisition, extraction, overlay replay and Git commit creation end to
// end for one image reference, acquiring owned resources up front and
// iterating a work list one operation and one commit at a time.
package convert

import (
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/digesttrack"
	"github.com/Virviil/oci2git/internal/gitrepo"
	"github.com/Virviil/oci2git/internal/metadata"
	"github.com/Virviil/oci2git/internal/ociimage"
	"github.com/Virviil/oci2git/internal/overlay"
	"github.com/Virviil/oci2git/internal/source"
	"github.com/Virviil/oci2git/internal/successor"
	"github.com/Virviil/oci2git/internal/xlog"
)

// ImageMetadataPath is the checked-in metadata document's path, relative
// to the repository root.
const ImageMetadataPath = "Image.md"

// RootfsDir is the reconstructed-filesystem working-tree directory,
// relative to the repository root.
const RootfsDir = "rootfs"

const (
	msgMetadata  = "🛠️ - Metadata"
	msgNonEmpty  = "🟢 - "
	msgEmpty     = "⚪️ - "
	msgNoTarball = "⚫ - "
)

// Progress is notified once the remaining layer count is known and then
// once per layer so a caller (e.g. a progress bar at -v0) can render
// feedback; it may be nil.
type Progress interface {
	Start(total int)
	Step(index, total int, command string)
}

// Convert implements spec.md 4.7's procedure: it is the only exported
// entry point of the core.
func Convert(ref, outputDir string, src source.Source, log xlog.Logger, progress Progress) error {
	if log == nil {
		log = xlog.Discard()
	}

	tarPath, ownedTemp, err := src.GetImageTarball(ref)
	if err != nil {
		return errors.Wrapf(err, "acquire image %s via %s", ref, src.Name())
	}
	if ownedTemp != "" {
		defer os.RemoveAll(ownedTemp)
	}

	img, err := ociimage.Extract(tarPath, ref, log)
	if err != nil {
		return errors.Wrap(err, "extract image")
	}
	defer img.Close()

	osArch := img.Metadata.OsArch()
	branchName := src.BranchName(ref, osArch, img.Metadata.ID)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "create output dir %s", outputDir)
	}
	repo, err := gitrepo.Open(outputDir)
	if err != nil {
		return errors.Wrap(err, "open or init repository")
	}

	var startCommit string
	var skip int
	branches, err := repo.ListLocalBranches()
	if err != nil {
		return errors.Wrap(err, "list branches")
	}
	if len(branches) > 0 {
		startCommit, skip, err = successor.Find(repo, img.Layers, log)
		if err != nil {
			return errors.Wrap(err, "find starting commit")
		}

		exists, err := repo.BranchExists(branchName)
		if err != nil {
			return errors.Wrapf(err, "check branch %s", branchName)
		}
		if exists && skip == len(img.Layers) {
			log.Infof("convert: %s already fully materialized on branch %s, nothing to do", ref, branchName)
			return nil
		}
	}

	if startCommit != "" {
		if err := repo.CreateBranchFromCommit(branchName, startCommit); err != nil {
			return errors.Wrapf(err, "create branch %s from %s", branchName, startCommit)
		}
	} else {
		if err := repo.SelectUnbornBranch(branchName); err != nil {
			return errors.Wrapf(err, "select unborn branch %s", branchName)
		}
	}

	rootfsPath := filepath.Join(outputDir, RootfsDir)
	if err := os.MkdirAll(rootfsPath, 0o755); err != nil {
		return errors.Wrap(err, "ensure rootfs exists")
	}
	if len(img.Layers) == 0 {
		log.Warnf("convert: %s has no layers, nothing to commit", ref)
		return nil
	}

	tracker := startTracker(repo, startCommit, log)

	if progress != nil {
		progress.Start(len(img.Layers) - skip)
	}
	for i := skip; i < len(img.Layers); i++ {
		layer := img.Layers[i]
		if progress != nil {
			progress.Step(i, len(img.Layers), layer.Command)
		}

		if tracker.Matches(i, layer) {
			continue
		}

		var message string
		switch {
		case layer.TarballPath != "":
			if size, err := fileSize(layer.TarballPath); err == nil {
				log.Infof("convert: applying layer %d/%d (%s, %s)", i+1, len(img.Layers), layer.Command, units.HumanSize(float64(size)))
			}
			if err := overlay.Apply(layer.TarballPath, rootfsPath, log); err != nil {
				return errors.Wrapf(err, "apply layer %d (%s)", i, layer.Command)
			}
			message = msgNonEmpty + layer.Command
		case layer.IsEmpty:
			message = msgEmpty + layer.Command
		default:
			message = msgNoTarball + layer.Command
		}

		if err := tracker.Append(i, metadata.FromLayer(layer)); err != nil {
			return errors.Wrap(err, "append to digest tracker")
		}
		if err := writeMetadataFile(outputDir, metadata.RenderChain(img.Metadata.Name, tracker.Chain())); err != nil {
			return errors.Wrap(err, "write Image.md")
		}
		if _, _, err := repo.CommitAll(message); err != nil {
			return errors.Wrapf(err, "commit layer %d (%s)", i, layer.Command)
		}
	}

	full := img.Metadata
	full.LayerDigests = tracker.Chain()
	if err := writeMetadataFile(outputDir, metadata.RenderFull(full)); err != nil {
		return errors.Wrap(err, "write final Image.md")
	}
	if _, _, err := repo.CommitAll(msgMetadata); err != nil {
		return errors.Wrap(err, "commit final metadata")
	}

	return nil
}

// startTracker builds the digest tracker the layer loop adjudicates
// against: parsed from the branch point's Image.md when branching from
// an existing commit, empty otherwise. A parse failure is a recoverable
// metadata error (spec.md §7): it falls back to an empty tracker.
func startTracker(repo gitrepo.Backend, startCommit string, log xlog.Logger) *digesttrack.Tracker {
	if startCommit == "" {
		return digesttrack.New()
	}
	content, ok, err := repo.ReadFileAtCommit(startCommit, ImageMetadataPath)
	if err != nil || !ok {
		return digesttrack.New()
	}
	m, err := metadata.Parse(content)
	if err != nil {
		log.Warnf("convert: %s at %s failed to parse, starting from an empty tracker: %v", ImageMetadataPath, startCommit, err)
		return digesttrack.New()
	}
	return digesttrack.FromChain(m.LayerDigests)
}

func writeMetadataFile(outputDir, doc string) error {
	return os.WriteFile(filepath.Join(outputDir, ImageMetadataPath), []byte(doc), 0o644)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
