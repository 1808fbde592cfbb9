// Package successor implements C5: walking the existing repository's
// branches to find the longest prefix of the new image's layers that is
// already materialized as consecutive commits somewhere.
package successor

import (
	"github.com/pkg/errors"

	"github.com/Virviil/oci2git/internal/digesttrack"
	"github.com/Virviil/oci2git/internal/gitrepo"
	"github.com/Virviil/oci2git/internal/metadata"
	"github.com/Virviil/oci2git/internal/xlog"
)

// ImageMetadataPath is the file the tracker chain is read back from.
const ImageMetadataPath = "Image.md"

// Find runs spec.md 4.5's algorithm: it returns the last commit of the
// matched prefix (empty if none) and how many leading layers matched.
func Find(backend gitrepo.Backend, layers []metadata.Layer, log xlog.Logger) (startCommit string, matched int, err error) {
	if log == nil {
		log = xlog.Discard()
	}

	current := ""
	i := 0
	for i < len(layers) {
		candidates, err := backend.ListSuccessors(current)
		if err != nil {
			return "", 0, errors.Wrap(err, "list successor candidates")
		}

		advanced := false
		for _, candidate := range candidates {
			tracker, err := trackerAt(backend, candidate, log)
			if err != nil {
				return "", 0, err
			}
			if tracker.Matches(i, layers[i]) {
				current = candidate
				i++
				advanced = true
				break
			}
		}
		if !advanced {
			break
		}
	}

	return current, i, nil
}

func trackerAt(backend gitrepo.Backend, commitOID string, log xlog.Logger) (*digesttrack.Tracker, error) {
	content, ok, err := backend.ReadFileAtCommit(commitOID, ImageMetadataPath)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s at %s", ImageMetadataPath, commitOID)
	}
	if !ok {
		return digesttrack.New(), nil
	}

	m, err := metadata.Parse(content)
	if err != nil {
		log.Warnf("successor: %s at %s failed to parse, treating as empty: %v", ImageMetadataPath, commitOID, err)
		return digesttrack.New(), nil
	}
	return digesttrack.FromChain(m.LayerDigests), nil
}
