package store

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	larch "github.com/obnam-mirror/larch"
)

const nodesDir = "nodes"

// idToPath derives the on-disk path for a node id: its 16-digit
// zero-padded hex form split into 4-character groups, nested as
// directories, the last group the file name. Keeps any single
// directory to at most 65536 entries. Round-trips via pathToId.
func idToPath(dirname string, id larch.NodeId) string {
	hex := strconv.FormatUint(uint64(id), 16)
	hex = strings.Repeat("0", 16-len(hex)) + hex
	groups := make([]string, 0, 4)
	for i := 0; i < len(hex); i += 4 {
		groups = append(groups, hex[i:i+4])
	}
	parts := append([]string{dirname, nodesDir}, groups...)
	return filepath.Join(parts...)
}

// pathToId parses a path produced by idToPath back into a NodeId.
func pathToId(dirname, path string) (larch.NodeId, error) {
	rel, err := filepath.Rel(filepath.Join(dirname, nodesDir), path)
	if err != nil {
		return 0, errors.Wrapf(err, "store: path %s not under nodes dir", path)
	}
	hex := strings.ReplaceAll(rel, string(filepath.Separator), "")
	if len(hex) != 16 {
		return 0, errors.Newf("store: malformed node path %s", path)
	}
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "store: malformed node path %s", path)
	}
	return larch.NodeId(v), nil
}
