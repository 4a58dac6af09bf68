package supply

import (
	"errors"
	"fmt"
)

// ErrHashMismatch is wrapped by every digest verification failure.
var ErrHashMismatch = errors.New("hash mismatch")

// VerifyResult holds the outcome of a supply chain verification.
type VerifyResult struct {
	ResolvedPath string // absolute, symlinks resolved
	ComputedHash string // "sha256:..." (only if hash check was requested)
}

// Verify resolves a driver command, checks it lies under one of
// allowedPaths and, when expectedHash is set, that its digest matches.
// Relative commands resolve against root when root is set.
func Verify(command, root, expectedHash string, allowedPaths []string) (*VerifyResult, error) {
	resolved, err := ResolvePath(command, root)
	if err != nil {
		return nil, fmt.Errorf("supply chain: %w", err)
	}

	// Path validation first (fail fast before computing hash)
	if err := ValidatePath(resolved, allowedPaths); err != nil {
		return nil, fmt.Errorf("supply chain: %w", err)
	}

	result := &VerifyResult{
		ResolvedPath: resolved,
	}

	if expectedHash != "" {
		algorithm, _, err := ParseHash(expectedHash)
		if err != nil {
			return nil, fmt.Errorf("supply chain: %w", err)
		}
		computed, err := ComputeFileHash(resolved, algorithm)
		if err != nil {
			return nil, fmt.Errorf("supply chain: %w", err)
		}
		result.ComputedHash = computed

		if computed != expectedHash {
			return nil, fmt.Errorf("supply chain: %w for %q: expected %s, computed %s",
				ErrHashMismatch, resolved, expectedHash, computed)
		}
	}

	return result, nil
}

// ModuleDigests are the digests computed while verifying a module.
type ModuleDigests struct {
	MD5    string
	SHA256 string
	Hash   string
}

// VerifyModule checks module bytes against the manifest's md5 (bare hex)
// and optional "algorithm:hex" hash. Empty expectations are skipped.
func VerifyModule(name string, data []byte, expectedMD5, expectedHash string) (*ModuleDigests, error) {
	d := &ModuleDigests{}
	var err error
	if d.MD5, err = Digest("md5", data); err != nil {
		return nil, err
	}
	if d.SHA256, err = Digest("sha256", data); err != nil {
		return nil, err
	}

	if expectedMD5 != "" {
		_, digest, err := ParseHash("md5:" + expectedMD5)
		if err != nil {
			return nil, fmt.Errorf("module %q: md5: %w", name, err)
		}
		want := "md5:" + digest
		if d.MD5 != want {
			return nil, fmt.Errorf("module %q: %w: expected %s, computed %s", name, ErrHashMismatch, want, d.MD5)
		}
	}

	if expectedHash != "" {
		algorithm, digest, err := ParseHash(expectedHash)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", name, err)
		}
		if d.Hash, err = Digest(algorithm, data); err != nil {
			return nil, err
		}
		want := algorithm + ":" + digest
		if d.Hash != want {
			return nil, fmt.Errorf("module %q: %w: expected %s, computed %s", name, ErrHashMismatch, want, d.Hash)
		}
	}

	return d, nil
}
