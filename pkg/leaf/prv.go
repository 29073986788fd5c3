package leaf

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"kbnet/pkg/types"
)

const (
	PRVVersion = "0.11"

	// fcsHeadBytes is how much of a file the fast checksum covers.
	fcsHeadBytes = 1000
)

// ComputePRV hashes the file at rel below root.
func ComputePRV(root, rel string) (types.PRV, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		return types.PRV{}, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return types.PRV{}, fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	whole := sha1.New()
	head := sha1.New()
	n, err := io.Copy(io.MultiWriter(whole, &limitedWriter{w: head, n: fcsHeadBytes}), f)
	if err != nil {
		return types.PRV{}, fmt.Errorf("failed to read %s: %w", rel, err)
	}

	return types.PRV{
		OriginalChecksum:    hex.EncodeToString(whole.Sum(nil)),
		OriginalSize:        n,
		OriginalFCS:         "head1000-" + hex.EncodeToString(head.Sum(nil)),
		OriginalPath:        rel,
		PRVVersion:          PRVVersion,
		OriginalModifiedISO: info.ModTime().UTC().Format(time.RFC3339),
	}, nil
}

// limitedWriter passes through the first n bytes and drops the rest.
type limitedWriter struct {
	w io.Writer
	n int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		chunk := p
		if int64(len(chunk)) > l.n {
			chunk = chunk[:l.n]
		}
		if _, err := l.w.Write(chunk); err != nil {
			return 0, err
		}
		l.n -= int64(len(chunk))
	}
	return len(p), nil
}
