package supply

import (
	"crypto/md5"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestParseHash_Valid(t *testing.T) {
	algo, digest, err := ParseHash("sha256:ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef0123456789")
	require.NoError(t, err)
	assert.Equal(t, "sha256", algo)
	assert.Equal(t, "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789", digest)

	algo, _, err = ParseHash("md5:d41d8cd98f00b204e9800998ecf8427e")
	require.NoError(t, err)
	assert.Equal(t, "md5", algo)
}

func TestParseHash_InvalidFormat(t *testing.T) {
	_, _, err := ParseHash("nocolonhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestParseHash_UnsupportedAlgorithm(t *testing.T) {
	_, _, err := ParseHash("sha1:da39a3ee5e6b4b0d3255bfef95601890afd80709")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestParseHash_EmptyDigest(t *testing.T) {
	_, _, err := ParseHash("sha256:")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestParseHash_InvalidHexDigest(t *testing.T) {
	_, _, err := ParseHash("md5:zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hex")
}

func TestParseHash_WrongLength(t *testing.T) {
	_, _, err := ParseHash("blake3:abcdef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "64")
}

func TestDigest(t *testing.T) {
	data := []byte("\x00asm\x01\x00\x00\x00")
	got, err := Digest("md5", data)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("md5:%x", md5.Sum(data)), got)

	got, err = Digest("blake3", data)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("blake3:%x", blake3.Sum256(data)), got)

	_, err = Digest("crc32", data)
	require.Error(t, err)
}

func TestComputeFileHash_RegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testfile")
	content := []byte("hello world\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	expected := fmt.Sprintf("sha256:%x", sha256.Sum256(content))

	hash, err := ComputeFileHash(path, "")
	require.NoError(t, err)
	assert.Equal(t, expected, hash)

	hash, err = ComputeFileHash(path, "blake3")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("blake3:%x", blake3.Sum256(content)), hash)
}

func TestComputeFileHash_NotFound(t *testing.T) {
	_, err := ComputeFileHash("/nonexistent/file/path", "")
	require.Error(t, err)
}

func TestComputeFileHash_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	content := []byte("symlink target content")
	require.NoError(t, os.WriteFile(target, content, 0644))
	require.NoError(t, os.Symlink(target, link))

	expected := fmt.Sprintf("sha256:%x", sha256.Sum256(content))

	hash, err := ComputeFileHash(link, "sha256")
	require.NoError(t, err)
	assert.Equal(t, expected, hash)
}

func TestComputeFileHash_NotRegular(t *testing.T) {
	dir := t.TempDir()
	_, err := ComputeFileHash(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a regular file")
}
