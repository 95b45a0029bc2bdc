// Package alert pushes operator notifications to a Telegram chat:
// identities parked by the strike rule, proxies taken out of rotation,
// sweep results and mirrored warn/error log lines.
package alert

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"drover/internal/eventbus"
	"drover/internal/identity"
	"drover/internal/proxy"
	logx "drover/pkg/logx"
)

// Config mirrors the alert section of the config file.
type Config struct {
	Token      string
	ChatID     int64
	RatePerSec int
}

// Sender is the one telebot call the notifier needs. Narrowing it
// lets callers substitute a transport in tests or embedders.
type Sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

// Notifier sends rate-limited plain-text messages to one chat.
// Messages over the rate are dropped, not queued: operator alerts age
// badly and an unbounded queue during an incident makes things worse.
type Notifier struct {
	bot     Sender
	chatID  int64
	limiter *rate.Limiter
	log     logx.Logger
}

// New dials Telegram. The bot is send-only; it never polls for updates.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("alert: telegram init: %w", err)
	}
	return NewWithSender(cfg, b, log), nil
}

func NewWithSender(cfg Config, s Sender, log logx.Logger) *Notifier {
	per := cfg.RatePerSec
	if per <= 0 {
		per = 1
	}
	return &Notifier{
		bot:     s,
		chatID:  cfg.ChatID,
		limiter: rate.NewLimiter(rate.Limit(per), per*2),
		log:     log,
	}
}

// Send pushes one message, dropping it when over the rate limit.
// Safe to call from any goroutine; used as the log notify sink.
func (n *Notifier) Send(msg string) {
	if n == nil || msg == "" {
		return
	}
	if !n.limiter.Allow() {
		return
	}
	if _, err := n.bot.Send(tele.ChatID(n.chatID), msg); err != nil {
		// Log only; alerting must never take anything else down.
		n.log.Debug("alert send failed", logx.Err(err))
	}
}

// Run consumes pool and sweep events until ctx is done. Job-level
// failures are deliberately not alerted; they are routine and land in
// the rollups instead.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-ch:
			if msg := formatEvent(ev); msg != "" {
				n.Send(msg)
			}
		}
	}
}

func formatEvent(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeIdentityResting:
		e, ok := ev.Data.(identity.RestingEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("⚠️ identity %s (tenant %s) parked after %d login failures",
			e.ID, e.TenantID, e.Failures)
	case eventbus.TypeProxyDeactivated:
		e, ok := ev.Data.(proxy.DeactivatedEvent)
		if !ok {
			return ""
		}
		return fmt.Sprintf("🔴 proxy %s (%s) deactivated after %d consecutive failures",
			e.ID, e.Host, e.Failures)
	case eventbus.TypeSweepFinished:
		s, ok := ev.Data.(proxy.SweepSummary)
		if !ok || s.Unhealthy == 0 {
			return ""
		}
		return fmt.Sprintf("🩺 proxy sweep: %d checked, %d unhealthy (took %s)",
			s.Checked, s.Unhealthy, s.Took.Round(time.Millisecond))
	}
	return ""
}
