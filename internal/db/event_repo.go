package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"palletspace/internal/types"
)

// EventRepository is the webhook dedup ledger over the billing_events table.
// Record is the single source of truth for "have we seen this event id":
// an insert that hits the primary key means a redelivery.
//
// Raw payloads are stored zstd-compressed for audit and replay debugging.
type EventRepository struct {
	db      DBTX
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewEventRepository creates a new EventRepository backed by the given
// database connection.
func NewEventRepository(db DBTX) *EventRepository {
	// Encoder/decoder with nil streams never fail under default options.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
	return &EventRepository{db: db, encoder: enc, decoder: dec}
}

// Record inserts an event into the ledger. Returns fresh=true when this is
// the first time the event id has been seen, fresh=false on a redelivery.
// The insert happens before any state is applied so that two concurrent
// deliveries of the same id cannot both apply.
func (r *EventRepository) Record(ctx context.Context, evt *types.WebhookEvent) (bool, error) {
	compressed := r.encoder.EncodeAll(evt.Payload, nil)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO billing_events (event_id, event_type, external_customer_id, received_at, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.ID,
		evt.Type,
		nilIfEmpty(evt.CustomerID),
		evt.ReceivedAt,
		compressed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Remove deletes a ledger entry. Called to compensate when applying a freshly
// recorded event fails, so the provider's redelivery gets another chance.
func (r *EventRepository) Remove(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM billing_events WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove webhook event", err)
	}
	return nil
}

// Payload returns the decompressed raw body of a recorded event.
func (r *EventRepository) Payload(ctx context.Context, eventID string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT payload FROM billing_events WHERE event_id = $1`,
		eventID,
	).Scan(&compressed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "webhook event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve webhook event", err)
	}

	payload, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress webhook payload", err)
	}
	return payload, nil
}

// PruneBefore deletes ledger entries received before the cutoff and returns
// the number removed. Entries older than the provider's redelivery horizon
// can no longer collide, so keeping them only grows the table.
func (r *EventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM billing_events WHERE received_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune webhook events", err)
	}
	return tag.RowsAffected(), nil
}
