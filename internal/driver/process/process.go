// Package process is the external process capability driver. The
// command is fixed by the manifest and verified before any guest runs;
// guests start instances of it, feed stdin and read stdout. By default
// each instance runs inside the sandbox re-exec, confined to the paths
// the run's policy allows.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/sandbox"
	"github.com/VikingOwl91/capsule/internal/supply"
	"github.com/tidwall/gjson"
)

// Type is the manifest driver type.
const Type = "external-process"

const (
	chunkSize      = 32 << 10
	maxStderrBytes = 64 << 10
)

// Options are the manifest options of a process driver.
type Options struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// Hash pins the command's digest as "algorithm:hex".
	Hash string `yaml:"hash"`
	// AllowedPaths restricts where the command may live. It defaults to
	// drivers_root_path.
	AllowedPaths []string `yaml:"allowed_paths"`
	// Sandbox defaults to true.
	Sandbox      *bool    `yaml:"sandbox"`
	Network      bool     `yaml:"network"`
	EnvAllowlist []string `yaml:"env_allowlist"`
}

// Provider starts instances of one verified command.
type Provider struct {
	opts    Options
	command string
	profile sandbox.Profile
	caps    sandbox.Capabilities
	self    string
	environ func() []string
	logger  *slog.Logger
}

// New returns an uninitialized provider.
func New() capability.Provider {
	return &Provider{}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	if p.opts.Command == "" {
		return errors.New("external-process needs a command option")
	}

	env := cfg.Env
	if env == nil {
		env = &capability.Environment{}
	}
	p.logger = env.Logger
	if p.logger == nil {
		p.logger = logging.Discard()
	}

	allowed := p.opts.AllowedPaths
	if len(allowed) == 0 && env.DriversRoot != "" {
		allowed = []string{env.DriversRoot}
	}
	verified, err := supply.Verify(p.opts.Command, env.DriversRoot, p.opts.Hash, allowed)
	if err != nil {
		return err
	}
	p.command = verified.ResolvedPath
	p.environ = os.Environ

	if p.sandboxed() {
		p.profile = sandbox.StrictProfile().Confine(env.Policy, env.FSRoot)
		p.profile.Network = p.opts.Network
		p.profile.EnvAllowlist = append(p.profile.EnvAllowlist, p.opts.EnvAllowlist...)
		p.caps = sandbox.DetectCapabilities()
		if p.self, err = os.Executable(); err != nil {
			return fmt.Errorf("locating capsule binary: %w", err)
		}
	}

	p.logger.Debug("process driver ready",
		slog.String("command", p.command),
		slog.Bool("sandbox", p.sandboxed()),
		slog.String("isolation", p.caps.EffectiveLevel()),
	)
	return nil
}

func (p *Provider) sandboxed() bool {
	return p.opts.Sandbox == nil || *p.opts.Sandbox
}

// OpenAccess needs no path or network permission; the command is fixed
// by the manifest and a driver guard decides which instances may start.
func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	_, err := parseArgs(target)
	return nil, err
}

// parseArgs reads extra arguments from target, a JSON array of strings.
func parseArgs(target string) ([]string, error) {
	if target == "" {
		return nil, nil
	}
	if !gjson.Valid(target) || !gjson.Parse(target).IsArray() {
		return nil, fmt.Errorf("%w: target must be a JSON array of arguments", capability.ErrInvalidArgument)
	}
	var args []string
	for _, a := range gjson.Parse(target).Array() {
		if a.Type != gjson.String {
			return nil, fmt.Errorf("%w: argument %s is not a string", capability.ErrInvalidArgument, a.Raw)
		}
		args = append(args, a.String())
	}
	return args, nil
}

// build returns the command for one instance.
func (p *Provider) build(ctx context.Context, extra []string) (*exec.Cmd, error) {
	args := append(append([]string(nil), p.opts.Args...), extra...)
	dir := filepath.Dir(p.command)
	if p.sandboxed() {
		return sandbox.Command(ctx, p.self, p.profile, p.caps, p.command, args, p.environ(), dir)
	}
	allow := append(sandbox.StrictProfile().EnvAllowlist, p.opts.EnvAllowlist...)
	cmd := exec.CommandContext(ctx, p.command, args...)
	// A nil Env would inherit the host environment.
	cmd.Env = append([]string{}, sandbox.FilterEnv(p.environ(), allow)...)
	cmd.Dir = dir
	return cmd, nil
}

// Open starts an instance. It keeps running until the guest waits for
// it or closes the handle.
func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	extra, err := parseArgs(target)
	if err != nil {
		return nil, err
	}
	// The instance outlives the open call.
	ctx, cancel := context.WithCancel(context.Background())
	cmd, err := p.build(ctx, extra)
	if err != nil {
		cancel()
		return nil, err
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	r := &resource{
		cancel: cancel,
		stdin:  stdin,
		chunks: make(chan []byte),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &r.stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", p.command, err)
	}
	p.logger.Debug("process started", slog.String("command", p.command), slog.Int("pid", cmd.Process.Pid))

	go r.pump(cmd, stdout)
	return r, nil
}

// boundedBuffer keeps the first limit bytes written to it.
type boundedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxStderrBytes - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

type resource struct {
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr boundedBuffer

	// chunks carries stdout until EOF. done is closed once the process
	// has been reaped and exitCode is set.
	chunks   chan []byte
	done     chan struct{}
	exitCode int

	mu   sync.Mutex
	rest []byte
}

// pump forwards stdout and reaps the process after EOF.
func (r *resource) pump(cmd *exec.Cmd, stdout io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			r.chunks <- bytes.Clone(buf[:n])
		}
		if err != nil {
			break
		}
	}
	close(r.chunks)
	_ = cmd.Wait()
	r.exitCode = cmd.ProcessState.ExitCode()
	close(r.done)
}

// Access needs nothing beyond the open.
func (r *resource) Access(string, []byte) ([]capability.Access, error) {
	return nil, nil
}

// Operate handles:
//
//	write        in: bytes for stdin  out: bytes written
//	close_stdin
//	read         out: next stdout chunk, empty at EOF
//	stderr       out: captured stderr
//	wait         out: exit code; unread stdout stays readable
func (r *resource) Operate(ctx context.Context, op string, in []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case "write":
		n, err := r.stdin.Write(in)
		if err != nil {
			return nil, fmt.Errorf("writing stdin: %w", err)
		}
		return []byte(strconv.Itoa(n)), nil
	case "close_stdin":
		return nil, r.stdin.Close()
	case "read":
		return r.read(ctx)
	case "stderr":
		return r.stderr.Bytes(), nil
	case "wait":
		return r.wait(ctx)
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

func (r *resource) read(ctx context.Context) ([]byte, error) {
	if len(r.rest) > 0 {
		out := r.rest[:min(len(r.rest), chunkSize)]
		r.rest = r.rest[len(out):]
		return out, nil
	}
	select {
	case chunk, ok := <-r.chunks:
		if !ok {
			return nil, nil
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *resource) wait(ctx context.Context) ([]byte, error) {
	_ = r.stdin.Close()
	for {
		select {
		case chunk, ok := <-r.chunks:
			if ok {
				r.rest = append(r.rest, chunk...)
				continue
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		break
	}
	select {
	case <-r.done:
		return []byte(strconv.Itoa(r.exitCode)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills the instance if it is still running.
func (r *resource) Close() error {
	_ = r.stdin.Close()
	r.cancel()
	go func() {
		for range r.chunks {
		}
	}()
	<-r.done
	return nil
}
