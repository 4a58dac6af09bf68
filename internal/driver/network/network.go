// Package network is the HTTP capability driver. A handle is bound to
// one URL; the guest issues requests against it and reads the response
// back piece by piece.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Type is the manifest driver type.
const Type = "network"

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 << 20
	maxRedirects        = 10
)

// Options are the manifest options of a network driver.
type Options struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Provider performs HTTP requests for guests.
type Provider struct {
	opts   Options
	policy *policy.Policy
	client *http.Client
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	if p.opts.Timeout <= 0 {
		p.opts.Timeout = defaultTimeout
	}
	if p.opts.MaxBodyBytes <= 0 {
		p.opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Env != nil {
		p.policy = cfg.Env.Policy
	}
	p.client = &http.Client{
		Timeout:       p.opts.Timeout,
		CheckRedirect: p.checkRedirect,
	}
	return nil
}

// ConcurrentSafe reports true; responses are guarded per handle.
func (p *Provider) ConcurrentSafe() bool { return true }

// checkRedirect applies the network policy to every redirect target.
func (p *Provider) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if p.policy == nil {
		return nil
	}
	if effect, rule := p.policy.Evaluate(policy.Net, req.URL.String()); effect != policy.Allow {
		return fmt.Errorf("%w: redirect to %s (%s)", capability.ErrPermissionDenied, req.URL.Redacted(), rule)
	}
	return nil
}

func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	return []capability.Access{{Kind: policy.Net, Resource: target}}, nil
}

func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	u, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	return &resource{p: p, url: u}, nil
}

func parseTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgument, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", capability.ErrInvalidArgument, target)
	}
	return u, nil
}

type resource struct {
	p   *Provider
	url *url.URL

	mu     sync.Mutex
	status int
	header http.Header
	body   []byte
}

// Access needs nothing beyond the URL checked at open.
func (r *resource) Access(string, []byte) ([]capability.Access, error) {
	return nil, nil
}

// Operate handles:
//
//	request  in: {"method","headers","body"}  out: status code
//	status   out: status code of the last response
//	headers  out: JSON object of the last response headers
//	body     out: the last response body
func (r *resource) Operate(ctx context.Context, op string, in []byte) ([]byte, error) {
	switch op {
	case "request":
		return r.request(ctx, in)
	case "status", "headers", "body":
	default:
		return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == 0 {
		return nil, fmt.Errorf("%w: %s before request", capability.ErrInvalidArgument, op)
	}
	switch op {
	case "status":
		return []byte(strconv.Itoa(r.status)), nil
	case "headers":
		return encodeHeaders(r.header)
	}
	return r.body, nil
}

func (r *resource) request(ctx context.Context, in []byte) ([]byte, error) {
	if len(in) > 0 && !gjson.ValidBytes(in) {
		return nil, fmt.Errorf("%w: request is not JSON", capability.ErrInvalidArgument)
	}
	spec := gjson.ParseBytes(in)

	method := strings.ToUpper(spec.Get("method").String())
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b := spec.Get("body"); b.Exists() {
		body = strings.NewReader(b.String())
	}

	req, err := http.NewRequestWithContext(ctx, method, r.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capability.ErrInvalidArgument, err)
	}
	spec.Get("headers").ForEach(func(k, v gjson.Result) bool {
		req.Header.Add(k.String(), v.String())
		return true
	})

	resp, err := r.p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, r.url.Redacted(), err)
	}
	defer resp.Body.Close()

	limit := r.p.opts.MaxBodyBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	r.mu.Lock()
	r.status = resp.StatusCode
	r.header = resp.Header
	r.body = bytes.Clone(data)
	r.mu.Unlock()
	return []byte(strconv.Itoa(resp.StatusCode)), nil
}

// encodeHeaders renders h as a JSON object with sorted keys. Repeated
// values are joined with ", ".
func encodeHeaders(h http.Header) ([]byte, error) {
	out := []byte("{}")
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		var err error
		out, err = sjson.SetBytes(out, escapeKey(k), strings.Join(h[k], ", "))
		if err != nil {
			return nil, fmt.Errorf("encoding header %q: %w", k, err)
		}
	}
	return out, nil
}

var keyEscaper = strings.NewReplacer(`.`, `\.`, `*`, `\*`, `?`, `\?`, `|`, `\|`, `#`, `\#`, `@`, `\@`)

func escapeKey(k string) string {
	return keyEscaper.Replace(k)
}

func (r *resource) Close() error {
	r.mu.Lock()
	r.body = nil
	r.mu.Unlock()
	return nil
}
