// internal/outbox/outbox.go
package outbox

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/blake2b"

	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/domain"
)

var json = jsoniter.ConfigFastest

// Appender is the write side of the intent table.
type Appender interface {
	InsertIntent(ctx context.Context, in *domain.Intent) (bool, error)
}

// Message is an intent before it is written: who receives it, what it says,
// and which parts identify it for deduplication.
type Message struct {
	Tenant   domain.TenantID
	PatronID uuid.UUID
	Kind     domain.IntentKind
	Payload  any
	Priority int
	// Dedup identifies the notification; two messages with equal Kind, PatronID
	// and Dedup parts are delivered once.
	Dedup []string
}

// Outbox writes notification intents inside the caller's transaction.
type Outbox struct {
	clock  clock.Clock
	tracer trace.Tracer
}

// New creates an outbox stamping intents with clk.
func New(clk clock.Clock) *Outbox {
	return &Outbox{
		clock:  clk,
		tracer: otel.Tracer("libranexus/outbox"),
	}
}

// Append writes the messages through tx. Messages whose dedup key already
// exists are skipped; the number of new intents is returned.
func (o *Outbox) Append(ctx context.Context, tx Appender, msgs ...Message) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.append",
		trace.WithAttributes(attribute.Int("intent.count", len(msgs))),
	)
	defer span.End()

	written := 0
	now := o.clock.Now()
	for i, msg := range msgs {
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return written, fmt.Errorf("marshal %s payload: %w", msg.Kind, err)
		}
		priority := msg.Priority
		if priority == 0 {
			priority = domain.PriorityNormal
		}
		in := &domain.Intent{
			ID:        uuid.New(),
			TenantID:  msg.Tenant,
			PatronID:  msg.PatronID,
			Kind:      msg.Kind,
			Payload:   payload,
			Priority:  priority,
			DedupKey:  DedupKey(string(msg.Kind), msg.PatronID.String(), strings.Join(msg.Dedup, "/")),
			CreatedAt: now,
		}
		inserted, err := tx.InsertIntent(ctx, in)
		if err != nil {
			span.RecordError(err)
			return written, fmt.Errorf("insert intent %d: %w", i, err)
		}
		if !inserted {
			span.AddEvent("intent.deduplicated", trace.WithAttributes(
				attribute.String("intent.kind", string(msg.Kind)),
			))
			continue
		}
		written++
		span.AddEvent("intent.appended", trace.WithAttributes(
			attribute.String("intent.id", in.ID.String()),
			attribute.String("intent.kind", string(in.Kind)),
		))
	}
	span.SetAttributes(attribute.Int("intent.written", written))
	return written, nil
}

// DedupKey digests the parts into a fixed-width key.
func DedupKey(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// DecodePayload unmarshals an intent payload into v.
func DecodePayload(in domain.Intent, v any) error {
	return json.Unmarshal(in.Payload, v)
}
