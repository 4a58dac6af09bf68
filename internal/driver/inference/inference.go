// Package inference is the model inference capability driver. A handle
// is a chat session with one model served by an OpenAI-compatible
// endpoint such as llamafile. Sessions may expose tools from MCP servers,
// which the model calls through a function-call convention in its reply.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/VikingOwl91/capsule/internal/capability"
	"github.com/VikingOwl91/capsule/internal/logging"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Type is the manifest driver type.
const Type = "model-inference"

const (
	defaultBaseURL  = "http://127.0.0.1:8080/v1/"
	defaultTimeout  = 5 * time.Minute
	defaultAPIKey   = "no-key"
	defaultMaxTools = 1
)

var (
	ErrNoResponse  = errors.New("model returned no choices")
	ErrToolCall    = errors.New("tool call failed")
	ErrUnknownTool = errors.New("unknown tool")
)

// Options are the manifest options of an inference driver.
type Options struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyEnv names a host variable holding the key.
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxToolRounds bounds the tool calls made for one read_response.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// Connector opens a client session to the MCP server at url.
type Connector func(ctx context.Context, url string) (*mcp.ClientSession, error)

// Provider opens chat sessions.
type Provider struct {
	opts    Options
	client  openai.Client
	models  map[string]string
	connect Connector
	now     func() time.Time
	logger  *slog.Logger
}

// New returns an uninitialized provider that reaches MCP servers over SSE.
func New() capability.Provider {
	return &Provider{}
}

// NewWithConnector returns a factory whose providers use connect for MCP
// servers.
func NewWithConnector(connect Connector) capability.Factory {
	return func() capability.Provider {
		return &Provider{connect: connect}
	}
}

func (p *Provider) Initialize(_ context.Context, cfg capability.DriverConfig) error {
	p.opts = Options{MaxToolRounds: defaultMaxTools}
	if err := capability.DecodeOptions(cfg.Options, &p.opts); err != nil {
		return err
	}
	if p.opts.BaseURL == "" {
		p.opts.BaseURL = defaultBaseURL
	}
	if p.opts.Timeout <= 0 {
		p.opts.Timeout = defaultTimeout
	}
	if p.opts.MaxToolRounds < 0 {
		p.opts.MaxToolRounds = 0
	}
	key := p.opts.APIKey
	if key == "" && p.opts.APIKeyEnv != "" {
		key = os.Getenv(p.opts.APIKeyEnv)
	}
	if key == "" {
		key = defaultAPIKey
	}

	p.logger = logging.Discard()
	if cfg.Env != nil {
		p.models = cfg.Env.Models
		if cfg.Env.Logger != nil {
			p.logger = cfg.Env.Logger
		}
	}
	httpClient := &http.Client{Timeout: p.opts.Timeout}
	p.client = openai.NewClient(
		option.WithBaseURL(p.opts.BaseURL),
		option.WithAPIKey(key),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	)
	if p.connect == nil {
		p.connect = sseConnector()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return nil
}

// sseConnector reaches MCP servers over SSE. The event stream outlives
// any request timeout, so the transport uses the default client.
func sseConnector() Connector {
	client := mcp.NewClient(&mcp.Implementation{Name: "capsule", Version: "1.0.0"}, nil)
	return func(ctx context.Context, endpoint string) (*mcp.ClientSession, error) {
		return client.Connect(ctx, &mcp.SSEClientTransport{Endpoint: endpoint}, nil)
	}
}

// location returns where target's weights come from: a preloaded graph
// location, the target itself when it is a URL, or "".
func (p *Provider) location(target string) string {
	if loc, ok := p.models[target]; ok {
		return loc
	}
	if isURL(target) {
		return target
	}
	return ""
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// OpenAccess needs network access when the model is fetched from a URL.
func (p *Provider) OpenAccess(target string, _ []byte) ([]capability.Access, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("%w: empty model", capability.ErrInvalidArgument)
	}
	if loc := p.location(target); isURL(loc) {
		return []capability.Access{{Kind: policy.Net, Resource: loc}}, nil
	}
	return nil, nil
}

func (p *Provider) Open(_ context.Context, target string, _ []byte) (capability.Resource, error) {
	s := &session{p: p, model: target}
	s.reset()
	return s, nil
}

// toolRef locates a tool on a connected MCP server.
type toolRef struct {
	server *mcp.ClientSession
	tool   *mcp.Tool
}

type message struct {
	role    string
	content string
}

type session struct {
	p     *Provider
	model string

	mu       sync.Mutex
	system   string
	temp     *float64
	topP     *float64
	urls     []string
	messages []message
	tools    map[string]*toolRef
	servers  []*mcp.ClientSession
}

// reset starts a fresh conversation with the current options.
func (s *session) reset() {
	s.messages = []message{{role: "system", content: systemPrompt(s.p.now(), s.system, s.tools)}}
}

// Access requires network access to every MCP server set_options names.
func (s *session) Access(op string, in []byte) ([]capability.Access, error) {
	if op != "set_options" {
		return nil, nil
	}
	if !gjson.ValidBytes(in) {
		return nil, fmt.Errorf("%w: options are not JSON", capability.ErrInvalidArgument)
	}
	var accesses []capability.Access
	for _, u := range gjson.GetBytes(in, "tools_sse_urls").Array() {
		accesses = append(accesses, capability.Access{Kind: policy.Net, Resource: u.String()})
	}
	return accesses, nil
}

// Operate handles:
//
//	get_model      out: model name
//	set_options    in: {"system_message","temperature","top_p","tools_sse_urls"}
//	get_options    out: the options JSON
//	prompt         in: user message
//	read_response  out: assistant reply, after at most max_tool_rounds tool calls
func (s *session) Operate(ctx context.Context, op string, in []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case "get_model":
		return []byte(s.model), nil
	case "set_options":
		return nil, s.setOptions(ctx, in)
	case "get_options":
		return s.options()
	case "prompt":
		if len(in) == 0 {
			return nil, fmt.Errorf("%w: empty prompt", capability.ErrInvalidArgument)
		}
		s.messages = append(s.messages, message{role: "user", content: string(in)})
		return nil, nil
	case "read_response":
		reply, err := s.respond(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(reply), nil
	}
	return nil, fmt.Errorf("%w: %q", capability.ErrUnsupportedOp, op)
}

func (s *session) setOptions(ctx context.Context, in []byte) error {
	opts := gjson.ParseBytes(in)

	s.system = opts.Get("system_message").String()
	s.temp, s.topP = nil, nil
	if v := opts.Get("temperature"); v.Exists() {
		f := v.Float()
		s.temp = &f
	}
	if v := opts.Get("top_p"); v.Exists() {
		f := v.Float()
		s.topP = &f
	}

	s.closeServers()
	s.urls = nil
	s.tools = make(map[string]*toolRef)
	taken := make(map[string]bool)
	for _, u := range opts.Get("tools_sse_urls").Array() {
		endpoint := u.String()
		s.urls = append(s.urls, endpoint)
		if err := s.loadTools(ctx, endpoint, serverAlias(endpoint, taken)); err != nil {
			// An unreachable server contributes no tools.
			s.p.logger.Warn("mcp server unavailable",
				slog.String("url", endpoint),
				slog.String("error", err.Error()),
			)
		}
	}
	s.p.logger.Debug("inference options set",
		slog.String("model", s.model),
		slog.Int("tools", len(s.tools)),
	)
	s.reset()
	return nil
}

func (s *session) loadTools(ctx context.Context, endpoint, alias string) error {
	server, err := s.p.connect(ctx, endpoint)
	if err != nil {
		return err
	}
	listed, err := server.ListTools(ctx, nil)
	if err != nil {
		_ = server.Close()
		return err
	}
	s.servers = append(s.servers, server)
	for _, tool := range listed.Tools {
		s.tools[namespacedToolName(alias, tool.Name)] = &toolRef{server: server, tool: tool}
	}
	return nil
}

func (s *session) options() ([]byte, error) {
	out := []byte("{}")
	var err error
	system := s.system
	if system == "" {
		system = DefaultSystemMessage
	}
	if out, err = sjson.SetBytes(out, "system_message", system); err != nil {
		return nil, err
	}
	if s.temp != nil {
		out, _ = sjson.SetBytes(out, "temperature", *s.temp)
	}
	if s.topP != nil {
		out, _ = sjson.SetBytes(out, "top_p", *s.topP)
	}
	if len(s.urls) > 0 {
		out, _ = sjson.SetBytes(out, "tools_sse_urls", s.urls)
	}
	return out, nil
}

// respond asks the model for a reply. A reply that calls a known tool is
// answered with the tool result and the model is asked again.
func (s *session) respond(ctx context.Context) (string, error) {
	reply, err := s.chat(ctx)
	if err != nil {
		return "", err
	}
	for round := 0; round < s.p.opts.MaxToolRounds && len(s.tools) > 0; round++ {
		call, ok := parseFunctionCall(reply)
		if !ok {
			break
		}
		result, err := s.callTool(ctx, call)
		if err != nil {
			return "", err
		}
		s.messages = append(s.messages, message{role: "user", content: "Function result:\n" + result})
		if reply, err = s.chat(ctx); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func (s *session) chat(ctx context.Context) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(s.messages)),
	}
	for _, m := range s.messages {
		switch m.role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.content))
		}
	}
	if s.temp != nil {
		params.Temperature = openai.Float(*s.temp)
	}
	if s.topP != nil {
		params.TopP = openai.Float(*s.topP)
	}

	resp, err := s.p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("model %q: %w", s.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model %q: %w", s.model, ErrNoResponse)
	}
	reply := resp.Choices[0].Message.Content
	s.messages = append(s.messages, message{role: "assistant", content: reply})
	return reply, nil
}

// lookup resolves a tool by its namespaced name, or by its bare name when
// exactly one server offers it.
func (s *session) lookup(name string) (*toolRef, bool) {
	if ref, ok := s.tools[name]; ok {
		return ref, true
	}
	if _, _, ok := parseNamespacedToolName(name); ok {
		return nil, false
	}
	var found *toolRef
	for ns, ref := range s.tools {
		if _, bare, _ := parseNamespacedToolName(ns); bare == name {
			if found != nil {
				return nil, false
			}
			found = ref
		}
	}
	return found, found != nil
}

func (s *session) callTool(ctx context.Context, call functionCall) (string, error) {
	ref, ok := s.lookup(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: %w %q", ErrToolCall, ErrUnknownTool, call.Name)
	}
	s.p.logger.Debug("calling tool", slog.String("tool", call.Name))

	res, err := ref.server.CallTool(ctx, &mcp.CallToolParams{
		Name:      ref.tool.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrToolCall, call.Name, err)
	}
	var texts []string
	for _, c := range res.Content {
		if t, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, t.Text)
		}
	}
	text := strings.Join(texts, " ")
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolCall, call.Name, text)
	}
	return text, nil
}

func (s *session) closeServers() {
	for _, server := range s.servers {
		_ = server.Close()
	}
	s.servers = nil
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeServers()
	s.tools = nil
	s.messages = nil
	return nil
}
