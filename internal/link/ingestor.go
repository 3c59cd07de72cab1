package link

import (
	"context"
	"encoding/json"
	"log/slog"

	"palletspace/internal/telemetry"
	"palletspace/internal/types"
)

// EventLedger is the dedup ledger surface the ingestor needs. Satisfied by
// db.EventRepository.
type EventLedger interface {
	Record(ctx context.Context, evt *types.WebhookEvent) (bool, error)
	Remove(ctx context.Context, eventID string) error
}

// CustomerLookup resolves inbound customer ids and applies profile changes.
// Satisfied by db.UserRepository.
type CustomerLookup interface {
	GetByCustomerID(ctx context.Context, customerID string) (*types.User, error)
	UpdateProfileFields(ctx context.Context, userID string, email string, name string) error
}

// Ingestor applies provider webhook events exactly once. Signature
// verification happens at the transport boundary (HTTP handler or worker);
// the ingestor assumes the event is authentic.
type Ingestor struct {
	ledger  EventLedger
	users   CustomerLookup
	logger  *slog.Logger
	metrics telemetry.Collector
}

// NewIngestor creates an Ingestor.
func NewIngestor(ledger EventLedger, users CustomerLookup, logger *slog.Logger, metrics telemetry.Collector) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.Noop{}
	}
	return &Ingestor{
		ledger:  ledger,
		users:   users,
		logger:  logger,
		metrics: metrics,
	}
}

// ApplyEvent records the event in the dedup ledger and, if this is the first
// delivery of its id, applies the state change.
//
// The ledger insert happens BEFORE the apply: two concurrent deliveries of
// the same id race on the insert and exactly one proceeds. If the apply then
// fails on a storage error, the ledger entry is removed so the provider's
// redelivery gets a clean retry.
//
// Returns nil for anything that redelivery cannot fix (duplicate, unknown
// event type) so the transport can acknowledge. An unknown customer id
// returns an AppError with webhook_unknown_customer, which transports also
// acknowledge; the code exists for logs and metrics.
func (i *Ingestor) ApplyEvent(ctx context.Context, evt *types.WebhookEvent) error {
	fresh, err := i.ledger.Record(ctx, evt)
	if err != nil {
		return err
	}
	if !fresh {
		i.metrics.Count(ctx, telemetry.MetricWebhookDuplicate, nil)
		i.logger.InfoContext(ctx, "duplicate webhook event ignored",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return nil
	}

	if err := i.apply(ctx, evt); err != nil {
		if types.ErrCodeOf(err) == types.ErrCodeWebhookUnknownCustomer {
			// Keep the ledger entry: redelivering cannot conjure the user.
			i.metrics.Count(ctx, telemetry.MetricWebhookUnknown, nil)
			return err
		}
		// Storage failure mid-apply. Compensate the ledger so the provider's
		// redelivery is not swallowed by the dedup check.
		if rmErr := i.ledger.Remove(ctx, evt.ID); rmErr != nil {
			i.logger.ErrorContext(ctx, "failed to roll back ledger entry",
				"event_id", evt.ID,
				"error", rmErr,
			)
		}
		return err
	}

	i.metrics.Count(ctx, telemetry.MetricWebhookApplied, nil)
	return nil
}

func (i *Ingestor) apply(ctx context.Context, evt *types.WebhookEvent) error {
	switch evt.Type {
	case types.EventCustomerUpdated:
		return i.applyCustomerUpdated(ctx, evt)
	case types.EventCustomerCreated, types.EventCustomerDeleted:
		// Echoes of lifecycle transitions the engine already owns; recorded
		// for dedup, no local change.
		return nil
	default:
		// Unrecognized types are recorded and ignored, so a provider rollout
		// of new event types never breaks ingestion.
		i.logger.InfoContext(ctx, "unhandled webhook event type recorded",
			"event_id", evt.ID,
			"event_type", evt.Type,
		)
		return nil
	}
}

func (i *Ingestor) applyCustomerUpdated(ctx context.Context, evt *types.WebhookEvent) error {
	user, err := i.users.GetByCustomerID(ctx, evt.CustomerID)
	if err != nil {
		if types.ErrCodeOf(err) == types.ErrCodeNotFoundUser {
			i.logger.WarnContext(ctx, "webhook for unknown customer",
				"event_id", evt.ID,
				"customer_id", evt.CustomerID,
			)
			return types.NewAppErrorWithDetails(
				types.ErrCodeWebhookUnknownCustomer,
				"no user linked to customer",
				nil,
				map[string]any{"customer_id": evt.CustomerID},
			)
		}
		return err
	}

	if evt.Email == "" && evt.Name == "" {
		return nil
	}

	if err := i.users.UpdateProfileFields(ctx, user.ID, evt.Email, evt.Name); err != nil {
		return err
	}

	i.logger.InfoContext(ctx, "customer update applied",
		"event_id", evt.ID,
		"user_id", user.ID,
		"customer_id", evt.CustomerID,
	)
	return nil
}

// stripeEventEnvelope is the subset of a Stripe event body the engine reads.
type stripeEventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a raw, already-verified Stripe event body into the
// domain event. The raw payload rides along for ledger retention.
func ParseEvent(payload []byte, receivedAt types.Clock) (*types.WebhookEvent, error) {
	var env stripeEventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"malformed webhook payload",
			err,
		)
	}
	if env.ID == "" || env.Type == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"webhook payload missing id or type",
			nil,
		)
	}

	return &types.WebhookEvent{
		ID:         env.ID,
		Type:       env.Type,
		CustomerID: env.Data.Object.ID,
		Email:      env.Data.Object.Email,
		Name:       env.Data.Object.Name,
		ReceivedAt: receivedAt.Now(),
		Payload:    payload,
	}, nil
}
