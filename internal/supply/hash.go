package supply

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// digestSizes maps supported algorithms to their hex digest length.
var digestSizes = map[string]int{
	"md5":    32,
	"sha256": 64,
	"blake3": 64,
}

// ParseHash splits "algorithm:hexdigest" into algorithm + digest.
func ParseHash(s string) (algorithm, digest string, err error) {
	algorithm, digest, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid hash format %q: expected \"algorithm:digest\"", s)
	}

	size, known := digestSizes[algorithm]
	if !known {
		return "", "", fmt.Errorf("unsupported hash algorithm %q: want md5, sha256 or blake3", algorithm)
	}

	if digest == "" {
		return "", "", fmt.Errorf("empty digest in hash %q", s)
	}

	if len(digest) != size {
		return "", "", fmt.Errorf("%s digest must be %d hex characters, got %d", algorithm, size, len(digest))
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return "", "", fmt.Errorf("invalid hex digest in hash %q: %w", s, err)
	}

	return algorithm, strings.ToLower(digest), nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "md5":
		return md5.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "blake3":
		return blake3.New(), nil
	}
	return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
}

// Digest returns "algorithm:<hex>" for data.
func Digest(algorithm string, data []byte) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return fmt.Sprintf("%s:%x", algorithm, h.Sum(nil)), nil
}

// ComputeFileHash resolves symlinks, verifies regular file, returns
// "algorithm:<hex>". An empty algorithm selects sha256.
func ComputeFileHash(path, algorithm string) (string, error) {
	if algorithm == "" {
		algorithm = "sha256"
	}
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", path, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", resolved, err)
	}

	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%q is not a regular file", resolved)
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w", resolved, err)
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %q: %w", resolved, err)
	}

	return fmt.Sprintf("%s:%x", algorithm, h.Sum(nil)), nil
}
