// Package types defines the domain model for the Palletspace customer link
// synchronization engine: users and their link state, provider webhook
// events, backfill runs, and the shared error taxonomy.
package types

import "time"

// LinkStatus represents the lifecycle state of a user's link to the external
// billing customer record. It is a closed tagged variant, not a boolean, so
// in-flight and failed states are representable.
type LinkStatus string

const (
	LinkUnlinked LinkStatus = "unlinked"
	LinkPending  LinkStatus = "pending"
	LinkLinked   LinkStatus = "linked"
	LinkFailed   LinkStatus = "failed"
)

// User is a local marketplace account. The link engine reads the profile
// fields and owns ExternalCustomerID, LinkStatus, and LinkFailure; everything
// else belongs to the surrounding application.
//
// Invariant: ExternalCustomerID is non-empty if and only if LinkStatus is
// LinkLinked.
type User struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	PasswordHash       string     `json:"-"`
	ExternalCustomerID string     `json:"external_customer_id,omitempty"`
	LinkStatus         LinkStatus `json:"link_status"`
	LinkFailure        string     `json:"link_failure,omitempty"`
	LinkUpdatedAt      *time.Time `json:"link_updated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	DeletedAt          *time.Time `json:"-"`
}

// CustomerProfile is the subset of user data pushed to the billing provider
// when creating or updating the external customer record.
type CustomerProfile struct {
	UserID string
	Email  string
	Name   string
}

// LinkResult is the outcome of a successful EnsureLinked call.
type LinkResult struct {
	UserID     string `json:"user_id"`
	CustomerID string `json:"customer_id"`
	// Created is true when this call performed the provider create, false
	// when the link already existed (fast path or shared in-flight attempt).
	Created bool `json:"created"`
}

// AttemptOutcome classifies a failed sync attempt. Successful attempts clear
// the per-user record instead of recording an outcome.
type AttemptOutcome string

const (
	AttemptFailedTransient AttemptOutcome = "failed_transient"
	AttemptFailedPermanent AttemptOutcome = "failed_permanent"
)

// SyncAttempt is an ephemeral per-user record of the most recent link attempt.
// It is process-local (not persisted) and drives retry backoff decisions.
type SyncAttempt struct {
	UserID  string
	At      time.Time
	Outcome AttemptOutcome
	Err     error
}

// Provider event types the ingestor recognizes. Anything else is recorded
// for dedup and ignored.
const (
	EventCustomerCreated = "customer.created"
	EventCustomerUpdated = "customer.updated"
	EventCustomerDeleted = "customer.deleted"
)

// WebhookEvent is an inbound customer notification from the billing provider,
// already signature-verified and reduced to the fields the ingestor needs.
// ID is the provider's event id and is unique per delivery attempt set: the
// provider may redeliver the same ID any number of times.
type WebhookEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	CustomerID string    `json:"customer_id"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	// Payload is the raw provider event body, retained (compressed) in the
	// dedup ledger for audit.
	Payload []byte `json:"-"`
}

// BackfillStatus is the state machine for a backfill run.
type BackfillStatus string

const (
	BackfillRunning   BackfillStatus = "running"
	BackfillPaused    BackfillStatus = "paused"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

// BackfillRun is the persisted state of a batch-repair job over the user
// population. Cursor is the id of the last user in the most recently
// committed batch; it defines a strict total order (users are batched by id)
// so resumed runs never skip or duplicate a user.
type BackfillRun struct {
	ID        string         `json:"id"`
	Status    BackfillStatus `json:"status"`
	Cursor    string         `json:"cursor,omitempty"`
	BatchSize int            `json:"batch_size"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BackfillFailure records a single user that could not be linked during a
// batch. Failures never abort the batch; they are reported to the operator.
type BackfillFailure struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BackfillReport summarizes one processed batch. RunID identifies the run
// row the batch committed its progress under.
type BackfillReport struct {
	RunID      string            `json:"run_id,omitempty"`
	Processed  int               `json:"processed"`
	Linked     int               `json:"linked"`
	Failures   []BackfillFailure `json:"failures,omitempty"`
	NextCursor string            `json:"next_cursor,omitempty"`
	Done       bool              `json:"done"`
}
