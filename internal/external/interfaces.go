package external

import (
	"context"

	"palletspace/internal/types"
)

// BillingProvider abstracts the payment provider's customer API (Stripe).
// Implementations translate between domain types and vendor-specific calls.
// Providers are stateless; persistence belongs to the Link Coordinator.
type BillingProvider interface {
	// CreateCustomer creates a customer record carrying the user id in
	// metadata and returns the provider's customer id. Implementations must
	// make the call idempotent per user so retries cannot mint duplicates.
	CreateCustomer(ctx context.Context, profile types.CustomerProfile) (string, error)

	// UpdateCustomer pushes email/name changes to an existing customer.
	UpdateCustomer(ctx context.Context, customerID string, profile types.CustomerProfile) error

	// FindCustomerByUserID returns the id of an existing customer created for
	// the user, or "" when none exists.
	FindCustomerByUserID(ctx context.Context, userID string) (string, error)
}

// WebhookVerifier abstracts provider webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}
