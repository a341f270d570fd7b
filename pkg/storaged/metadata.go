package storaged

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// metadataPath returns the sidecar metadata file for a stored file,
// living alongside it under the same two-level fan-out directory.
func metadataPath(root string, high, low int, name string) string {
	return filepath.Join(root, "data", fmt.Sprintf("%02X", high), fmt.Sprintf("%02X", low), name+".meta")
}

// crc32Key is the reserved metadata key storaged uses to remember a
// file's checksum across uploads, appends, modifies and truncates, so
// QUERY_FILE_INFO can answer without rereading the whole file.
const crc32Key = "__crc32"

// readMetadata loads a file's key=value pairs. A missing sidecar is not
// an error: the file simply has no metadata set yet.
func readMetadata(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("open metadata %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	out := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if ok {
			out[k] = v
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, ferr.Internal)
	}
	return out, nil
}

// writeMetadata persists kv with rename-after-write durability, the
// same pattern pkg/binlog.Mark uses for its own sidecar files.
func writeMetadata(path string, kv map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metadata directory for %s: %w", path, ferr.Internal)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create metadata tmp %s: %w", tmp, ferr.Internal)
	}
	w := bufio.NewWriter(f)
	for k, v := range kv {
		fmt.Fprintf(w, "%s=%s\n", k, v)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush metadata tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync metadata tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metadata tmp %s: %w", tmp, ferr.Internal)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename metadata tmp %s: %w", tmp, ferr.Internal)
	}
	return nil
}

// encodeMetadataPairs renders metadata as the wire's newline-separated
// k=v body (spec §9's field-width rules don't cover metadata, which is
// inherently variable-length, so it is simply the body in full).
func encodeMetadataPairs(kv map[string]string) []byte {
	var b strings.Builder
	for k, v := range kv {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	return []byte(b.String())
}

func decodeMetadataPairs(body []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			out[k] = v
		}
	}
	return out
}

func fileCRC32(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, fmt.Errorf("compute crc32: %w", ferr.Internal)
	}
	return h.Sum32(), nil
}
