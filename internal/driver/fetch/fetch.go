// Package fetch is the content-addressed fetch driver. A handle is bound
// to a digest; the object is downloaded from the configured gateway,
// resumed with range requests when the transfer breaks, and verified
// before the guest sees a byte.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/VikingOwl91/capsule/internal/supply"
	"github.com/sethvargo/go-retry"
)

// Type is the manifest driver type.
const Type = "content-fetch"

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxBytes   = 256 << 20
	defaultChunkBytes = 64 << 10
	defaultRetries    = 3
	defaultBackoff    = 200 * time.Millisecond
)

// Options are the manifest options of a fetch driver.
type Options struct {
	// Gateway is the base URL; objects live at <gateway>/<alg>/<hex>.
	Gateway    string        `yaml:"gateway"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxBytes   int64         `yaml:"max_bytes"`
	ChunkBytes int           `yaml:"chunk_bytes"`
	MaxRetries uint64        `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
}

// Provider downloads verified content.
type Provider struct {
	opts    Options
	gateway *url.URL
	policy  *policy.Policy
	client  *http.Client
	logger  *slog.Logger
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	p.opts = Options{MaxRetries: defaultRetries}
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	if p.opts.Gateway == "" {
		return errors.New("content-fetch needs a gateway option")
	}
	u, err := url.Parse(strings.TrimSuffix(p.opts.Gateway, "/"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid gateway %q", p.opts.Gateway)
	}
	p.gateway = u
	if p.opts.Timeout <= 0 {
		p.opts.Timeout = defaultTimeout
	}
	if p.opts.MaxBytes <= 0 {
		p.opts.MaxBytes = defaultMaxBytes
	}
	if p.opts.ChunkBytes <= 0 {
		p.opts.ChunkBytes = defaultChunkBytes
	}
	if p.opts.Backoff <= 0 {
		p.opts.Backoff = defaultBackoff
	}

	p.logger = logging.Discard()
	if cfg.Env != nil {
		p.policy = cfg.Env.Policy
		if cfg.Env.Logger != nil {
			p.logger = cfg.Env.Logger
		}
	}
	p.client = &http.Client{
		Timeout: p.opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			if p.policy != nil && !p.policy.Allowed(policy.Net, req.URL.String()) {
				return fmt.Errorf("%w: redirect to %s", capability.ErrPermissionDenied, req.URL.Redacted())
			}
			return nil
		},
	}
	return nil
}

// ConcurrentSafe reports true; each handle owns its download.
func (p *Provider) ConcurrentSafe() bool { return true }

// objectURL returns the gateway location of digest.
func (p *Provider) objectURL(target string) (string, error) {
	alg, hex, err := supply.ParseHash(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", capability.ErrInvalidArgument, err)
	}
	return p.gateway.JoinPath(alg, hex).String(), nil
}

func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	u, err := p.objectURL(target)
	if err != nil {
		return nil, err
	}
	return []capability.Access{{Kind: policy.Net, Resource: u}}, nil
}

// Open downloads and verifies the object.
func (p *Provider) Open(ctx context.Context, target string, _ []byte) (capability.Resource, error) {
	u, err := p.objectURL(target)
	if err != nil {
		return nil, err
	}
	alg, hex, _ := supply.ParseHash(target)
	want := alg + ":" + hex

	data, err := p.download(ctx, u)
	if err != nil {
		return nil, err
	}
	got, err := supply.Digest(alg, data)
	if err != nil {
		return nil, err
	}
	if got != want {
		return nil, fmt.Errorf("%w: expected %s, computed %s", supply.ErrHashMismatch, want, got)
	}
	return &resource{digest: want, data: data, chunk: p.opts.ChunkBytes}, nil
}

// download fetches u, resuming from the bytes already received after
// every retryable failure.
func (p *Provider) download(ctx context.Context, u string) ([]byte, error) {
	var buf bytes.Buffer
	attempt := 0
	backoff := retry.WithMaxRetries(p.opts.MaxRetries, retry.NewExponential(p.opts.Backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := p.fetchOnce(ctx, u, &buf)
		if err != nil {
			p.logger.Debug("fetch attempt failed",
				slog.String("url", u),
				slog.Int("attempt", attempt),
				slog.Int("received", buf.Len()),
				slog.String("error", err.Error()),
			)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	return buf.Bytes(), nil
}

func (p *Provider) fetchOnce(ctx context.Context, u string, buf *bytes.Buffer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	offset := buf.Len()
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.Itoa(offset)+"-")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, capability.ErrPermissionDenied) {
			return err
		}
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Full body: the server ignored or was not sent a range.
		buf.Reset()
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("gateway returned %s", resp.Status))
	default:
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	remaining := p.opts.MaxBytes - int64(buf.Len())
	n, err := io.Copy(buf, io.LimitReader(resp.Body, remaining+1))
	if n > remaining {
		return fmt.Errorf("object exceeds %d bytes", p.opts.MaxBytes)
	}
	if err != nil {
		return retry.RetryableError(fmt.Errorf("reading body: %w", err))
	}
	return nil
}

type resource struct {
	digest string
	chunk  int

	mu   sync.Mutex
	data []byte
	off  int
}

// Access needs nothing; the object was checked and fetched at open.
func (r *resource) Access(string, []byte) ([]capability.Access, error) {
	return nil, nil
}

// Operate handles:
//
//	read    out: next chunk, empty at the end
//	size    out: object size in bytes
//	digest  out: the verified digest
func (r *resource) Operate(_ context.Context, op string, _ []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case "read":
		end := min(r.off+r.chunk, len(r.data))
		out := r.data[r.off:end]
		r.off = end
		return out, nil
	case "size":
		return []byte(strconv.Itoa(len(r.data))), nil
	case "digest":
		return []byte(r.digest), nil
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

func (r *resource) Close() error {
	r.mu.Lock()
	r.data = nil
	r.mu.Unlock()
	return nil
}
