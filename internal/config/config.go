// Package config defines the global configuration structure for the
// Palletspace backend. Configuration is loaded once at process start and is
// immutable thereafter, following 12-Factor principles: values come from the
// OS environment, optionally seeded from a .env file in development. Any
// missing required value or invalid format fails the process immediately.
package config

import (
	"time"

	"palletspace/internal/types"
)

// SecretString aliases types.SecretString, the redacted secret type used in
// configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"palletspace-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	AWS      AWSConfig
	Security SecurityConfig
	Link     LinkConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// BillingConfig holds provider (Stripe) credentials and client tuning.
type BillingConfig struct {
	StripeSecretKey     SecretString  `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString  `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	APIBaseURL          string        `envconfig:"STRIPE_API_BASE_URL"` // override for tests
	HTTPTimeout         time.Duration `envconfig:"STRIPE_HTTP_TIMEOUT" default:"20s"`
}

// AWSConfig holds AWS resource identifiers for the async event channel and
// telemetry.
type AWSConfig struct {
	Region          string `envconfig:"AWS_REGION" default:"us-east-1"`
	EventQueueURL   string `envconfig:"SQS_BILLING_EVENTS"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"Palletspace"`

	// LocalStack support; empty in prod.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds the operator credential for admin-only endpoints and
// CORS settings.
type SecurityConfig struct {
	AdminAPIKey        SecretString `envconfig:"ADMIN_API_KEY" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// LinkConfig tunes the link coordinator and backfill job.
type LinkConfig struct {
	// RetryBackoff is the minimum delay before a transiently failed link is
	// attempted again for the same user.
	RetryBackoff time.Duration `envconfig:"LINK_RETRY_BACKOFF" default:"30s"`
	// PendingWait bounds how long a caller polls for another process's
	// in-flight attempt on the same user before giving up.
	PendingWait time.Duration `envconfig:"LINK_PENDING_WAIT" default:"5s"`
	// BackfillBatchSize is the default batch size when the admin request
	// does not specify one.
	BackfillBatchSize int `envconfig:"BACKFILL_BATCH_SIZE" default:"50" validate:"min=1,max=500"`
	// BackfillConcurrency bounds concurrent EnsureLinked calls within a batch.
	BackfillConcurrency int `envconfig:"BACKFILL_CONCURRENCY" default:"4" validate:"min=1,max=32"`
	// EventRetention is how long dedup ledger entries are kept. Must exceed
	// the provider's maximum redelivery window (30 days for Stripe).
	EventRetention time.Duration `envconfig:"EVENT_RETENTION" default:"2160h"` // 90 days
}
