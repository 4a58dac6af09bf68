package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/driver/storage"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func register(t *testing.T, root string, opts map[string]any, overrides policy.Overrides) capability.Provider {
	t.Helper()
	pol, err := policy.Compile(nil, overrides)
	require.NoError(t, err)
	reg := capability.NewRegistry(pol, map[string]capability.Factory{storage.Type: storage.New}, logging.Discard())
	p, err := reg.Register(context.Background(), "objects", capability.DriverConfig{
		Type:    storage.Type,
		Options: opts,
		Env:     &capability.Environment{FSRoot: root},
	})
	require.NoError(t, err)
	return p
}

func allowAll() policy.Overrides { return policy.Overrides{AllowAll: true} }

func put(key, data string) []byte {
	return append([]byte(key+"\x00"), data...)
}

func TestPutGetStatList(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "media"), 0o755))
	p := register(t, root, nil, allowAll())
	ctx := context.Background()

	res, err := p.Open(ctx, "media", nil)
	require.NoError(t, err)
	defer res.Close()

	out, err := res.Operate(ctx, "put", put("img/a.png", "png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "9", string(out))
	_, err = res.Operate(ctx, "put", put("notes.txt", "hi"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "media", "img", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	out, err = res.Operate(ctx, "get", []byte("img/a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(out))

	out, err = res.Operate(ctx, "stat", []byte("img/a.png"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), gjson.GetBytes(out, "size").Int())
	assert.Equal(t, "img/a.png", gjson.GetBytes(out, "key").String())
	assert.NotEmpty(t, gjson.GetBytes(out, "mod_time").String())

	out, err = res.Operate(ctx, "list", nil)
	require.NoError(t, err)
	assert.Equal(t, "img/a.png\nnotes.txt", string(out))

	out, err = res.Operate(ctx, "list", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "img/a.png", string(out))

	_, err = res.Operate(ctx, "delete", []byte("notes.txt"))
	require.NoError(t, err)
	_, err = res.Operate(ctx, "get", []byte("notes.txt"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestPrefixHandle(t *testing.T) {
	root := t.TempDir()
	p := register(t, root, map[string]any{"create_buckets": true}, allowAll())
	ctx := context.Background()

	res, err := p.Open(ctx, "logs/2026", nil)
	require.NoError(t, err)
	defer res.Close()

	_, err = res.Operate(ctx, "put", put("jan.log", "x"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "logs", "2026", "jan.log"))

	out, err := res.Operate(ctx, "list", nil)
	require.NoError(t, err)
	assert.Equal(t, "jan.log", string(out))
}

func TestWriteNeedsWritePermission(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "media"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "media", "a"), []byte("A"), 0o644))
	p := register(t, root, nil, policy.Overrides{
		AllowRead: policy.Scope{Set: true, Resources: []string{"/media"}},
	})
	ctx := context.Background()

	res, err := p.Open(ctx, "media", nil)
	require.NoError(t, err)
	defer res.Close()

	out, err := res.Operate(ctx, "get", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "A", string(out))

	_, err = res.Operate(ctx, "put", put("b", "B"))
	require.ErrorIs(t, err, capability.ErrPermissionDenied)
	_, err = res.Operate(ctx, "delete", []byte("a"))
	require.ErrorIs(t, err, capability.ErrPermissionDenied)
	assert.FileExists(t, filepath.Join(root, "media", "a"))
}

func TestOpenDeniedOutsideReadScope(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "private"), 0o755))
	p := register(t, root, nil, policy.Overrides{
		AllowRead: policy.Scope{Set: true, Resources: []string{"/media"}},
	})
	_, err := p.Open(context.Background(), "private", nil)
	require.ErrorIs(t, err, capability.ErrPermissionDenied)
}

func TestInvalidKeys(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "media"), 0o755))
	p := register(t, root, nil, allowAll())
	ctx := context.Background()

	_, err := p.Open(ctx, "../etc", nil)
	require.ErrorIs(t, err, capability.ErrInvalidArgument)

	res, err := p.Open(ctx, "media", nil)
	require.NoError(t, err)
	defer res.Close()

	for _, key := range []string{"", "../x", "/abs", "a/../../b"} {
		_, err := res.Operate(ctx, "get", []byte(key))
		assert.ErrorIs(t, err, capability.ErrInvalidArgument, key)
	}
	_, err = res.Operate(ctx, "put", []byte("no-separator"))
	require.ErrorIs(t, err, capability.ErrInvalidArgument)
	_, err = res.Operate(ctx, "rename", []byte("a"))
	require.ErrorIs(t, err, capability.ErrUnsupportedOp)
}

func TestMissingBucket(t *testing.T) {
	p := register(t, t.TempDir(), nil, allowAll())
	_, err := p.Open(context.Background(), "nope", nil)
	require.Error(t, err)
}

func TestInitialize_NeedsRoot(t *testing.T) {
	reg := capability.NewRegistry(nil, map[string]capability.Factory{storage.Type: storage.New}, logging.Discard())
	_, err := reg.Register(context.Background(), "objects", capability.DriverConfig{
		Type: storage.Type,
		Env:  &capability.Environment{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fs_root_path")
}
