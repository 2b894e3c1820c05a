// Package notifier implements §4.6 of the exchange core: best-effort,
// out-of-band delivery of order_completed and order_cancelled events.
// Delivery never blocks or fails a caller's commit — every
// implementation here logs and swallows its own errors.
package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forgecraft/tradepost/internal/canon"
	"github.com/forgecraft/tradepost/internal/models"
)

// Kind is the event kind delivered to a Notifier.
type Kind string

const (
	KindOrderCompleted Kind = "order_completed"
	KindOrderCancelled Kind = "order_cancelled"
)

// RecipientClass identifies the kind of entity a notification targets.
// The core only ever addresses individual owners (spec.md §4.6).
const RecipientClassUser = "user"

// CompletedPayload is the body of an order_completed event.
type CompletedPayload struct {
	OrderID         uint64        `json:"order_id"`
	GiveItem        string        `json:"give_item"`
	GiveAmount      int64         `json:"give_amount"`
	GivePayload     canon.Payload `json:"give_payload"`
	TakeItem        string        `json:"take_item"`
	TakeAmount      int64         `json:"take_amount"`
	TakePayload     canon.Payload `json:"take_payload"`
	AmountCompleted int64         `json:"amount_completed"`
	AmountLeft      int64         `json:"amount_left"`
	Payload         canon.Payload `json:"payload"`
}

// CancelledPayload is the body of an order_cancelled event.
type CancelledPayload struct {
	OrderID       uint64        `json:"order_id"`
	GiveItem      string        `json:"give_item"`
	GiveAmount    int64         `json:"give_amount"`
	GivePayload   canon.Payload `json:"give_payload"`
	TakeItem      string        `json:"take_item"`
	TakeAmount    int64         `json:"take_amount"`
	TakePayload   canon.Payload `json:"take_payload"`
	WereAvailable int64         `json:"were_available"`
	Payload       canon.Payload `json:"payload"`
}

// Event is one outbound notification, fully addressed and timestamped.
type Event struct {
	Tenant         int64
	MarketID       uint64
	RecipientClass string
	RecipientKey   string
	Sender         int64
	Kind           Kind
	Payload        interface{}
	At             time.Time
}

// Notifier is the abstract outbound signaling boundary. Send must
// never propagate a delivery failure to its caller — implementations
// log and swallow.
type Notifier interface {
	Send(ctx context.Context, event Event)
}

// Matcher and OrderStore call these two helpers rather than
// constructing Events by hand, keeping the payload shape in one place.

// OrderCompleted builds and sends an order_completed event for order,
// reporting amount_completed fills at give_amount unit price with
// amount_left remaining available.
func OrderCompleted(ctx context.Context, n Notifier, tenant int64, marketID uint64, order models.Order, giveAmount, completedAmount, leftAmount int64) {
	if n == nil {
		return
	}
	givePayload, _ := decodePayload(order.GivePayload)
	takePayload, _ := decodePayload(order.TakePayload)
	payload, _ := decodePayload(order.Payload)

	n.Send(ctx, Event{
		Tenant: tenant, MarketID: marketID,
		RecipientClass: RecipientClassUser, RecipientKey: itoa(order.OwnerID),
		Sender: order.OwnerID, Kind: KindOrderCompleted, At: time.Now(),
		Payload: CompletedPayload{
			OrderID: order.ID, GiveItem: order.GiveItem, GiveAmount: giveAmount, GivePayload: givePayload,
			TakeItem: order.TakeItem, TakeAmount: order.TakeAmount, TakePayload: takePayload,
			AmountCompleted: completedAmount, AmountLeft: leftAmount, Payload: payload,
		},
	})
}

// OrderCancelled builds and sends an order_cancelled event for order.
// OrderStore.DeleteOrder and the Reaper both funnel through this so
// every cancellation path reports the same payload shape (spec.md §4.6).
func OrderCancelled(ctx context.Context, n Notifier, tenant int64, marketID uint64, order models.Order) {
	if n == nil {
		return
	}
	givePayload, _ := decodePayload(order.GivePayload)
	takePayload, _ := decodePayload(order.TakePayload)
	payload, _ := decodePayload(order.Payload)

	n.Send(ctx, Event{
		Tenant: tenant, MarketID: marketID,
		RecipientClass: RecipientClassUser, RecipientKey: itoa(order.OwnerID),
		Sender: order.OwnerID, Kind: KindOrderCancelled, At: time.Now(),
		Payload: CancelledPayload{
			OrderID: order.ID, GiveItem: order.GiveItem, GiveAmount: order.GiveAmount, GivePayload: givePayload,
			TakeItem: order.TakeItem, TakeAmount: order.TakeAmount, TakePayload: takePayload,
			WereAvailable: order.Available, Payload: payload,
		},
	})
}

func decodePayload(raw json.RawMessage) (canon.Payload, error) {
	if len(raw) == 0 {
		return canon.Payload{}, nil
	}
	var p canon.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func itoa(n int64) string {
	// avoids importing strconv at every call site
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Adapter exposes a Notifier as the narrow method-shaped interfaces
// orderstore.Canceller and the matcher's completion hook expect,
// keeping those packages from importing notifier directly (spec.md
// §4.6 treats the notifier as a pluggable boundary, not a required
// dependency of the order/matching core).
type Adapter struct {
	N Notifier
}

// NewAdapter wraps n for use as an orderstore.Canceller / matcher
// completion hook. A nil n is valid and yields a no-op adapter.
func NewAdapter(n Notifier) Adapter { return Adapter{N: n} }

func (a Adapter) OrderCancelled(ctx context.Context, tenant int64, marketID uint64, order models.Order) {
	OrderCancelled(ctx, a.N, tenant, marketID, order)
}

func (a Adapter) OrderCompleted(ctx context.Context, tenant int64, marketID uint64, order models.Order, giveAmount, completedAmount, leftAmount int64) {
	OrderCompleted(ctx, a.N, tenant, marketID, order, giveAmount, completedAmount, leftAmount)
}

// LogNotifier delivers events to zerolog only. It is always available
// and never fails, making it the safe default (spec.md §4.6: "failures
// logged, never propagated").
type LogNotifier struct{}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (l *LogNotifier) Send(ctx context.Context, event Event) {
	log.Info().
		Int64("tenant", event.Tenant).
		Uint64("market", event.MarketID).
		Str("recipient_class", event.RecipientClass).
		Str("recipient_key", event.RecipientKey).
		Str("kind", string(event.Kind)).
		Interface("payload", event.Payload).
		Msg("notifier: event")
}

// Multi fans one event out to several notifiers, calling each
// delegate's Send in order on the caller's goroutine. Each delegate is
// expected to be internally best-effort: a slow delegate delays the
// ones after it, and a panic in one is not recovered, so the remaining
// delegates are not called.
type Multi struct {
	delegates []Notifier
}

// NewMulti constructs a Multi fanning out to the given delegates.
func NewMulti(delegates ...Notifier) *Multi {
	return &Multi{delegates: delegates}
}

func (m *Multi) Send(ctx context.Context, event Event) {
	for _, d := range m.delegates {
		d.Send(ctx, event)
	}
}
