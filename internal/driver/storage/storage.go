// Package storage is the object storage capability driver. Buckets are
// directories beneath the run's filesystem root; a handle is bound to a
// bucket and an optional key prefix.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/tidwall/sjson"
)

// Type is the manifest driver type.
const Type = "storage-object"

// Options are the manifest options of a storage driver.
type Options struct {
	// Root overrides the run's fs_root_path as the bucket parent.
	Root          string `yaml:"root"`
	CreateBuckets bool   `yaml:"create_buckets"`
}

// Provider serves objects from bucket directories.
type Provider struct {
	opts Options
	root string
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	p.root = p.opts.Root
	if p.root == "" && cfg.Env != nil {
		p.root = cfg.Env.FSRoot
	}
	if p.root == "" {
		return errors.New("storage needs fs_root_path or a root option")
	}
	info, err := os.Stat(p.root)
	if err != nil {
		return fmt.Errorf("storage root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root %q is not a directory", p.root)
	}
	return nil
}

// ConcurrentSafe reports true; os.Root operations are independent.
func (p *Provider) ConcurrentSafe() bool { return true }

// OpenAccess needs read access to the bucket prefix.
func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	if _, _, err := splitTarget(target); err != nil {
		return nil, err
	}
	return []capability.Access{{Kind: policy.Read, Resource: "/" + target}}, nil
}

func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	bucket, prefix, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(p.root, bucket)
	if p.opts.CreateBuckets {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating bucket %q: %w", bucket, err)
		}
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening bucket %q: %w", bucket, err)
	}
	return &resource{target: path.Clean(target), prefix: prefix, root: root}, nil
}

// splitTarget splits "bucket[/prefix]".
func splitTarget(target string) (bucket, prefix string, err error) {
	t := strings.TrimSuffix(target, "/")
	if t == "" || !fs.ValidPath(t) {
		return "", "", fmt.Errorf("%w: invalid bucket %q", capability.ErrInvalidArgument, target)
	}
	bucket, prefix, _ = strings.Cut(t, "/")
	return bucket, prefix, nil
}

type resource struct {
	target string
	prefix string
	root   *os.Root
}

// Access maps each operation onto the guest path of the object it
// touches: get, stat and list read; put and delete write.
func (r *resource) Access(op string, in []byte) ([]capability.Access, error) {
	var kind policy.Kind
	key := string(in)
	switch op {
	case "get", "stat":
		kind = policy.Read
	case "list":
		kind = policy.Read
		if key == "" {
			return nil, nil
		}
	case "put":
		kind = policy.Write
		k, _, ok := bytes.Cut(in, []byte{0})
		if !ok {
			return nil, fmt.Errorf("%w: put wants key NUL data", capability.ErrInvalidArgument)
		}
		key = string(k)
	case "delete":
		kind = policy.Write
	default:
		return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
	}
	if err := validKey(key); err != nil {
		return nil, err
	}
	return []capability.Access{{Kind: kind, Resource: "/" + path.Join(r.target, key)}}, nil
}

func validKey(key string) error {
	if key == "" || !fs.ValidPath(key) {
		return fmt.Errorf("%w: invalid key %q", capability.ErrInvalidArgument, key)
	}
	return nil
}

// Operate handles:
//
//	get     in: key            out: object bytes
//	stat    in: key            out: {"key","size","mod_time"}
//	list    in: optional sub-prefix  out: newline-separated keys
//	put     in: key NUL data   out: number of bytes written
//	delete  in: key
func (r *resource) Operate(_ context.Context, op string, in []byte) ([]byte, error) {
	switch op {
	case "get":
		return r.root.ReadFile(r.name(string(in)))
	case "stat":
		return r.stat(string(in))
	case "list":
		return r.list(string(in))
	case "put":
		key, data, _ := bytes.Cut(in, []byte{0})
		name := r.name(string(key))
		if dir := path.Dir(name); dir != "." {
			if err := r.root.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if err := r.root.WriteFile(name, data, 0o644); err != nil {
			return nil, err
		}
		return fmt.Appendf(nil, "%d", len(data)), nil
	case "delete":
		return nil, r.root.Remove(r.name(string(in)))
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

// name is the bucket-relative path of key.
func (r *resource) name(key string) string {
	return path.Join(r.prefix, key)
}

func (r *resource) stat(key string) ([]byte, error) {
	info, err := r.root.Stat(r.name(key))
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %q is a prefix, not an object", capability.ErrInvalidArgument, key)
	}
	out := []byte("{}")
	out, _ = sjson.SetBytes(out, "key", key)
	out, _ = sjson.SetBytes(out, "size", info.Size())
	out, _ = sjson.SetBytes(out, "mod_time", info.ModTime().UTC().Format(time.RFC3339))
	return out, nil
}

func (r *resource) list(sub string) ([]byte, error) {
	dir := r.name(sub)
	if dir == "" {
		dir = "."
	}
	var keys []string
	err := fs.WalkDir(r.root.FS(), dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		key := p
		if r.prefix != "" {
			key = strings.TrimPrefix(p, r.prefix+"/")
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	slices.Sort(keys)
	return []byte(strings.Join(keys, "\n")), nil
}

func (r *resource) Close() error {
	return r.root.Close()
}
