package policy

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

type netPattern struct {
	scheme string
	host   string
	port   string
	path   string
}

// parseNetPattern accepts "host", "host:port" or a URL with an http(s)
// scheme and optional path.
func parseNetPattern(s string) (netPattern, error) {
	var p netPattern
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return p, err
		}
		if u.Hostname() == "" {
			return p, fmt.Errorf("missing host in %q", s)
		}
		p.scheme = strings.ToLower(u.Scheme)
		p.host = strings.ToLower(u.Hostname())
		p.port = u.Port()
		if u.Path != "/" {
			p.path = u.Path
		}
		return p, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host, port = s, ""
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return p, fmt.Errorf("invalid host %q", s)
	}
	p.host = strings.ToLower(strings.Trim(host, "[]"))
	p.port = port
	return p, nil
}

// netRequest is a parsed network resource. Ports default from the scheme.
func parseNetRequest(s string) (netPattern, bool) {
	p, err := parseNetPattern(s)
	if err != nil {
		return p, false
	}
	if p.port == "" {
		switch p.scheme {
		case "http", "ws":
			p.port = "80"
		case "https", "wss":
			p.port = "443"
		}
	}
	return p, true
}

func (p netPattern) matches(req netPattern) bool {
	if req.host != p.host && !strings.HasSuffix(req.host, "."+p.host) {
		return false
	}
	if p.port != "" && req.port != p.port {
		return false
	}
	if p.scheme != "" && req.scheme != "" && p.scheme != req.scheme {
		return false
	}
	if p.path != "" {
		reqPath := req.path
		if reqPath == "" {
			reqPath = "/"
		}
		if !strings.HasPrefix(reqPath, p.path) {
			return false
		}
	}
	return true
}

// normalizePath anchors a guest path at "/" and removes dot segments.
// file:// URLs are accepted. Paths carrying NUL are rejected.
func normalizePath(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "file://"); ok {
		s = rest
	}
	if s == "" || strings.ContainsRune(s, 0) {
		return "", false
	}
	return path.Clean("/" + s), true
}

// withinPath reports whether p is base or lies beneath it.
func withinPath(base, p string) bool {
	if base == "/" || p == base {
		return true
	}
	return strings.HasPrefix(p, base+"/")
}

// lowerASCII folds A-Z only, leaving other bytes as they are.
func lowerASCII(s string) string {
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}
