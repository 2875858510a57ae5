package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Notifier delivers human-readable alerts for lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// EventPublisher fans committed lifecycle events out to the signal bus (live
// pub/sub plus a durable stream) and to operator notifications. A nil
// *EventPublisher drops events.
type EventPublisher struct {
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
}

// NewEventPublisher creates a publisher. bus and notifier may be nil.
func NewEventPublisher(bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "event_publisher")),
	}
}

// Publish delivers ev. Failures are logged and never returned: the event
// describes state that is already committed.
func (p *EventPublisher) Publish(ctx context.Context, ev domain.MarketEvent) {
	if p == nil {
		return
	}
	if p.bus != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
			return
		}
		if err := p.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
			p.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
		if err := p.bus.StreamAppend(ctx, domain.EventChannel, payload); err != nil {
			p.logger.WarnContext(ctx, "stream append failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.notifier != nil {
		title, msg := describe(ev)
		if err := p.notifier.Notify(ctx, string(ev.Type), title, msg); err != nil {
			p.logger.WarnContext(ctx, "notify failed",
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func describe(ev domain.MarketEvent) (string, string) {
	switch ev.Type {
	case domain.EventMarketResolved:
		return "Market resolved", fmt.Sprintf("Market %s resolved %s at price %s", ev.Market, ev.Outcome, ev.Price)
	case domain.EventMarketCreated:
		return "Market created", fmt.Sprintf("Market %s created by %s", ev.Market, ev.Caller)
	case domain.EventCollateralLocked:
		return "Collateral locked", fmt.Sprintf("%s locked %d pairs in %s", ev.Caller, ev.Amount, ev.Market)
	case domain.EventClaimsRedeemed:
		return "Claims redeemed", fmt.Sprintf("%s redeemed %d claims from %s", ev.Caller, ev.Amount, ev.Market)
	case domain.EventCollateralCredited:
		return "Collateral credited", fmt.Sprintf("%s credited %d collateral units", ev.Caller, ev.Amount)
	case domain.EventTreasuryInitialized:
		return "Treasury initialized", fmt.Sprintf("Treasury initialized by %s", ev.Caller)
	default:
		return string(ev.Type), ev.Market.String()
	}
}
