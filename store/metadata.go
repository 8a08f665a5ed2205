package store

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	larch "github.com/obnam-mirror/larch"
)

// Reserved metadata keys, spec.md §6.
const (
	metaFormat   = "format"
	metaNodeSize = "node_size"
	metaKeySize  = "key_size"
	metaLastId   = "last_id"
	metaRootIds  = "root_ids"

	formatVersion = "1/1"
)

// metadataName is the file holding the forest's metadata, spec.md §6.
const metadataName = "metadata"

// encodeMetadata renders m as UTF-8 INI text: sorted `key = value`
// lines, no section header (nothing in the retrieved pack parses or
// needs one). No third-party INI library appears anywhere in the
// example pack, so this hand-rolled codec is the documented exception
// (see DESIGN.md).
func encodeMetadata(m map[string]string) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(m[k])
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// decodeMetadata parses UTF-8 INI text produced by encodeMetadata.
// Blank lines and lines starting with '#' are ignored.
func decodeMetadata(data []byte) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, larch.FormatProblemError("metadata line missing '=': " + line)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		out[key] = value
	}
	return out, nil
}

func parseRootIds(s string) ([]larch.NodeId, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]larch.NodeId, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "store: malformed root_ids entry %q", p)
		}
		ids[i] = larch.NodeId(v)
	}
	return ids, nil
}

func formatRootIds(ids []larch.NodeId) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

func parseUint(s, field string) (int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "store: malformed %s %q", field, s)
	}
	return int(v), nil
}
