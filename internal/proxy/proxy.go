// Package proxy owns the pool of egress proxies: operator intent vs
// observed health, failure escalation, rotation-aware selection and the
// serialized health sweep.
package proxy

import "time"

// Type is the proxy protocol.
type Type string

const (
	TypeHTTP   Type = "http"
	TypeSOCKS5 Type = "socks5"
)

// Endpoint is the network coordinate of one egress proxy. Username and
// Password come from the operator's import material; they are proxy
// transport config, not identity secrets.
type Endpoint struct {
	Host     string
	Port     int
	Type     Type
	Username string
	Password string
}

// Proxy is one egress endpoint plus its health ledger.
//
// IsActive is operator intent; IsHealthy is the last observation. The
// two are deliberately independent: a deactivated proxy keeps recording
// health flips but is never selected until an operator reactivates it.
type Proxy struct {
	ID       string
	Endpoint Endpoint

	IsActive  bool
	IsHealthy bool

	ConsecutiveFailures int
	SuccessCount        int
	FailureCount        int
	SuccessRate         float64
	AvgResponseTime     time.Duration

	LastUsedAt time.Time // zero = never used

	// LeaseToken is populated only on the copy Select hands out. The
	// holder quotes it in ReportUsage; nothing else can release the
	// reservation.
	LeaseToken string

	reservedUntil time.Time
	reserveToken  string
}

// Reserved reports whether the proxy is currently held by a caller.
func (p *Proxy) Reserved(now time.Time) bool {
	return !p.reservedUntil.IsZero() && now.Before(p.reservedUntil)
}
