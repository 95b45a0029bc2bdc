package proxy

import (
	"fmt"
	"strconv"
	"strings"

	logx "drover/pkg/logx"
)

// ImportFailure reports one skipped line of a bulk import.
type ImportFailure struct {
	Line int
	Raw  string
	Err  string
}

// ImportResult summarizes a bulk import. A bad line never aborts the
// import; it is skipped and reported here.
type ImportResult struct {
	Added    []Proxy
	Failures []ImportFailure
}

// BulkImport parses operator-pasted proxy lists, one entry per line:
//
//	host:port
//	host:port:user:pass
//	socks5://host:port
//
// Blank lines and #-comments are ignored.
func (p *Pool) BulkImport(raw string) ImportResult {
	var res ImportResult
	for i, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		ep, err := ParseEndpoint(trimmed)
		if err != nil {
			res.Failures = append(res.Failures, ImportFailure{Line: i + 1, Raw: trimmed, Err: err.Error()})
			p.log.Warn("proxy import line skipped",
				logx.Int("line", i+1),
				logx.String("err", err.Error()))
			continue
		}
		res.Added = append(res.Added, p.Add(ep))
	}
	p.log.Info("proxy import finished",
		logx.Int("added", len(res.Added)),
		logx.Int("skipped", len(res.Failures)))
	return res
}

// ParseEndpoint parses a single "host:port[:user:pass]" entry with an
// optional "type://" scheme prefix.
func ParseEndpoint(s string) (Endpoint, error) {
	ep := Endpoint{Type: TypeHTTP}

	if i := strings.Index(s, "://"); i >= 0 {
		switch scheme := strings.ToLower(s[:i]); scheme {
		case "http":
			ep.Type = TypeHTTP
		case "socks5":
			ep.Type = TypeSOCKS5
		default:
			return Endpoint{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
		}
		s = s[i+3:]
	}

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
	case 4:
		ep.Username = parts[2]
		ep.Password = parts[3]
		if ep.Username == "" {
			return Endpoint{}, fmt.Errorf("empty username in %q", s)
		}
	default:
		return Endpoint{}, fmt.Errorf("expected host:port or host:port:user:pass, got %q", s)
	}

	ep.Host = strings.TrimSpace(parts[0])
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("empty host in %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid port %q", parts[1])
	}
	ep.Port = port
	return ep, nil
}
