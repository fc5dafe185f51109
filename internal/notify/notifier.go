// Package notify sends operator alerts (failed settlements, refunds, sweeps
// and renewals) to Telegram and Discord, filtered by event name.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Alert event names raised by the engine.
const (
	EventSettlementFailed = "settlement_failed"
	EventRefundFailed     = "refund_failed"
	EventSweepFailed      = "sweep_failed"
	EventRenewalFailed    = "renewal_failed"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every Sender. An empty event allow-list lets
// every event through.
type Notifier struct {
	senders []Sender
	allowed map[string]struct{}
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]struct{})
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = struct{}{}
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify delivers the alert to all senders in parallel. A failing sender does
// not stop the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.wants(event) || len(n.senders) == 0 {
		return nil
	}

	errs := make([]error, len(n.senders))
	var wg sync.WaitGroup
	for i, s := range n.senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Send(ctx, title, message); err != nil {
				n.logger.WarnContext(ctx, "notify: delivery failed",
					slog.String("sender", s.Name()),
					slog.String("event", event),
					slog.String("error", err.Error()),
				)
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %s: %w", event, err)
	}
	return nil
}

func (n *Notifier) wants(event string) bool {
	if len(n.allowed) == 0 {
		return true
	}
	_, ok := n.allowed[event]
	return ok
}
