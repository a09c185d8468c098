/*
Package notify hands provisioned redemptions to the delivery layer.

PURPOSE:
  Delivery (SMS, email, wallet pass) lives outside the engine. The engine
  only publishes an event once a redemption is provisioned and never waits
  for delivery. Delivery confirmation comes back through
  POST /giftcards/redemptions/{id}/delivered.

  Events carry references only. The card code never leaves the engine
  through this channel; the delivery layer fetches it by redemption code.

IMPLEMENTATIONS:
  SQSNotifier  Publishes JSON events to an SQS queue
  Async        Bounded in-memory queue in front of another Notifier
  Noop         Discards events (tests, local runs without a queue)
*/
package notify

import (
	"context"
	"time"
)

// EventRedemptionProvisioned is published after a successful provision.
const EventRedemptionProvisioned = "redemption.provisioned"

// Event is one notification.
type Event struct {
	Type           string    `json:"type"`
	RedemptionID   string    `json:"redemptionId"`
	RedemptionCode string    `json:"redemptionCode"`
	CampaignID     string    `json:"campaignId"`
	RecipientID    string    `json:"recipientId"`
	BrandID        string    `json:"brandId"`
	Denomination   string    `json:"denomination"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurredAt"`
}

// Notifier publishes events.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

var _ Notifier = Noop{}

func (Noop) Notify(context.Context, Event) error { return nil }
