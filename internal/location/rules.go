package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/models"
	"github.com/eldtechnologies/ridewire/internal/protocol"
)

// StatusSink records identity status changes requested by mark_status
// rules.
type StatusSink interface {
	MarkStatus(ctx context.Context, identity models.Identity, status string, zone models.Zone) error
}

// PricingSignal receives pricing rule triggers.
type PricingSignal interface {
	Signal(ctx context.Context, identity models.Identity, zone models.Zone, transition models.ZoneTransition) error
}

// LogStatusSink logs status changes.
type LogStatusSink struct{ Logger zerolog.Logger }

func (s LogStatusSink) MarkStatus(_ context.Context, identity models.Identity, status string, zone models.Zone) error {
	s.Logger.Info().
		Str("identity", identity.ID).
		Str("status", status).
		Str("zone_id", zone.ID).
		Msg("identity status marked")
	return nil
}

// LogPricingSignal logs pricing triggers.
type LogPricingSignal struct{ Logger zerolog.Logger }

func (s LogPricingSignal) Signal(_ context.Context, identity models.Identity, zone models.Zone, transition models.ZoneTransition) error {
	s.Logger.Info().
		Str("identity", identity.ID).
		Str("zone_id", zone.ID).
		Str("zone_kind", string(zone.Kind)).
		Str("transition", string(transition)).
		Msg("pricing signal")
	return nil
}

// RuleExecutor applies a zone's rules for one transition.
type RuleExecutor struct {
	pub     Publisher
	status  StatusSink
	pricing PricingSignal
}

// NewRuleExecutor wires rule actions to their collaborators.
func NewRuleExecutor(pub Publisher, status StatusSink, pricing PricingSignal) *RuleExecutor {
	return &RuleExecutor{pub: pub, status: status, pricing: pricing}
}

// Apply runs every matching rule. Each rule runs even when an earlier one
// fails; failures are joined.
func (x *RuleExecutor) Apply(ctx context.Context, identity models.Identity, zone models.Zone, transition models.ZoneTransition, payload protocol.ZoneTransition) error {
	var errs []error
	for i, rule := range zone.Rules {
		if !rule.Matches(identity.Kind, transition) {
			continue
		}
		if err := x.run(ctx, identity, zone, transition, rule, payload); err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, rule.Action, err))
		}
	}
	return errors.Join(errs...)
}

func (x *RuleExecutor) run(ctx context.Context, identity models.Identity, zone models.Zone, transition models.ZoneTransition, rule models.Rule, payload protocol.ZoneTransition) error {
	switch rule.Action {
	case models.ActionNotify:
		_, err := x.pub.Publish(ctx, rule.Channel, protocol.NewFrame(zoneEvent(transition), payload))
		return err
	case models.ActionMarkStatus:
		return x.status.MarkStatus(ctx, identity, rule.Status, zone)
	case models.ActionAlert:
		alert := protocol.Alert{
			Identity: identity.ID,
			Kind:     string(zone.Kind),
			ZoneID:   zone.ID,
			Message:  rule.Message,
			Location: payload.Location,
		}
		channel := rule.Channel
		if channel == "" {
			channel = protocol.KindChannel(string(models.KindOperator))
		}
		_, err := x.pub.Publish(ctx, channel, protocol.NewFrame(protocol.EventAlertRaised, alert))
		return err
	case models.ActionPricing:
		return x.pricing.Signal(ctx, identity, zone, transition)
	}
	return fmt.Errorf("unknown action %q", rule.Action)
}

func zoneEvent(t models.ZoneTransition) string {
	if t == models.TransitionEntered {
		return protocol.EventZoneEntered
	}
	return protocol.EventZoneExited
}
