// Package link implements the customer link synchronization engine: the
// coordinator that guarantees at most one provider customer per user, the
// webhook ingestor with its dedup ledger, and the backfill job that repairs
// historical users.
package link

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"palletspace/internal/telemetry"
	"palletspace/internal/types"
)

// UserLinkStore is the persistence surface the coordinator needs. Satisfied
// by db.UserRepository.
type UserLinkStore interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	ClaimLink(ctx context.Context, userID string, staleAfter time.Duration) (bool, error)
	MarkLinked(ctx context.Context, userID string, customerID string) error
	MarkLinkFailed(ctx context.Context, userID string, reason string) error
}

// BillingProvider mirrors external.BillingProvider; declared here so the
// engine depends only on what it calls.
type BillingProvider interface {
	CreateCustomer(ctx context.Context, profile types.CustomerProfile) (string, error)
	UpdateCustomer(ctx context.Context, customerID string, profile types.CustomerProfile) error
	FindCustomerByUserID(ctx context.Context, userID string) (string, error)
}

// CoordinatorConfig tunes the coordinator's retry and wait behavior.
type CoordinatorConfig struct {
	// RetryBackoff is the minimum time between link attempts for a user whose
	// last attempt failed transiently.
	RetryBackoff time.Duration

	// PendingWait is the interval between polls while waiting out another
	// process's in-flight attempt.
	PendingWait time.Duration

	// PendingPolls bounds how many times a caller polls a foreign pending
	// claim before giving up with conflict_link_in_flight.
	PendingPolls int
}

// DefaultCoordinatorConfig returns the production defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RetryBackoff: 30 * time.Second,
		PendingWait:  5 * time.Second,
		PendingPolls: 5,
	}
}

// Coordinator owns the user<->customer link lifecycle. EnsureLinked is safe
// to call from any number of goroutines and processes for the same user;
// exactly one provider create happens per user.
//
// Three layers enforce that:
//   - singleflight collapses concurrent in-process callers onto one attempt,
//     which all callers' results are shared from;
//   - a keyed mutex serializes EnsureLinked against PushProfile for the same
//     user;
//   - the pending claim in the database (compare-and-set) excludes other
//     processes, and the provider Idempotency-Key backstops everything.
type Coordinator struct {
	users    UserLinkStore
	provider BillingProvider
	cfg      CoordinatorConfig
	logger   *slog.Logger
	clock    types.Clock
	metrics  telemetry.Collector

	group singleflight.Group
	locks keyedLocks

	// attempts is the in-process record of each user's most recent failed
	// attempt. It gates retries (backoff for transient, parked for permanent)
	// and is cleared by success or a profile change.
	mu       sync.Mutex
	attempts map[string]*types.SyncAttempt

	sleepFn func(time.Duration) // for testability; defaults to time.Sleep
}

// CoordinatorOption is a functional option for configuring a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the clock used for backoff decisions.
func WithClock(clock types.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

// WithSleepFunc overrides the sleep used between pending polls.
func WithSleepFunc(fn func(time.Duration)) CoordinatorOption {
	return func(c *Coordinator) { c.sleepFn = fn }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m telemetry.Collector) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(
	users UserLinkStore,
	provider BillingProvider,
	cfg CoordinatorConfig,
	logger *slog.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		users:    users,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		clock:    types.RealClock{},
		metrics:  telemetry.Noop{},
		attempts: make(map[string]*types.SyncAttempt),
		sleepFn:  time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureLinked guarantees the user has exactly one provider customer and
// returns its id. Idempotent: any number of calls converge on the same
// customer id.
func (c *Coordinator) EnsureLinked(ctx context.Context, userID string) (*types.LinkResult, error) {
	v, err, _ := c.group.Do(userID, func() (any, error) {
		return c.ensureLinked(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.LinkResult), nil
}

func (c *Coordinator) ensureLinked(ctx context.Context, userID string) (*types.LinkResult, error) {
	unlock := c.locks.lock(userID)
	defer unlock()

	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Fast path: already linked, no network.
	if user.LinkStatus == types.LinkLinked {
		c.metrics.Count(ctx, telemetry.MetricLinkFastPath, nil)
		return &types.LinkResult{UserID: userID, CustomerID: user.ExternalCustomerID, Created: false}, nil
	}

	if err := c.checkAttemptGate(userID, user.LinkStatus); err != nil {
		return nil, err
	}

	claimed, err := c.users.ClaimLink(ctx, userID, c.staleClaimWindow())
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another process holds the claim (or finished between our read and
		// the CAS). Wait for its outcome.
		return c.waitForPending(ctx, userID)
	}

	return c.attemptLink(ctx, user)
}

// attemptLink performs the provider create while holding the pending claim.
func (c *Coordinator) attemptLink(ctx context.Context, user *types.User) (*types.LinkResult, error) {
	profile := types.CustomerProfile{UserID: user.ID, Email: user.Email, Name: user.Name}

	// A crash after a previous create but before MarkLinked leaves a customer
	// upstream the database never learned about. Search by metadata before
	// creating; the Idempotency-Key covers the narrower retry window.
	customerID, err := c.provider.FindCustomerByUserID(ctx, user.ID)
	if err != nil {
		return nil, c.recordFailure(ctx, user.ID, err)
	}

	created := false
	if customerID == "" {
		customerID, err = c.provider.CreateCustomer(ctx, profile)
		if err != nil {
			return nil, c.recordFailure(ctx, user.ID, err)
		}
		created = true
	}

	if err := c.users.MarkLinked(ctx, user.ID, customerID); err != nil {
		return nil, c.recordFailure(ctx, user.ID, err)
	}

	c.clearAttempt(user.ID)
	if created {
		c.metrics.Count(ctx, telemetry.MetricLinkCreated, nil)
	}
	c.logger.InfoContext(ctx, "user linked to provider customer",
		"user_id", user.ID,
		"customer_id", customerID,
		"created", created,
	)
	return &types.LinkResult{UserID: user.ID, CustomerID: customerID, Created: created}, nil
}

// PushProfile propagates email/name changes to the provider. It shares the
// per-user critical section with EnsureLinked, so a push can never interleave
// with a link attempt for the same user. A profile change also clears a
// parked permanent failure: the new data may be what the provider was
// rejecting.
func (c *Coordinator) PushProfile(ctx context.Context, userID string, profile types.CustomerProfile) error {
	unlock := c.locks.lock(userID)
	defer unlock()

	c.clearAttempt(userID)

	user, err := c.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if user.LinkStatus != types.LinkLinked {
		// Nothing upstream to update. The next EnsureLinked (login, backfill)
		// will create the customer with the current profile.
		c.logger.InfoContext(ctx, "profile push skipped, user not linked",
			"user_id", userID,
			"link_status", string(user.LinkStatus),
		)
		return nil
	}

	profile.UserID = userID
	if err := c.provider.UpdateCustomer(ctx, user.ExternalCustomerID, profile); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "profile pushed to provider",
		"user_id", userID,
		"customer_id", user.ExternalCustomerID,
	)
	return nil
}

// waitForPending polls a user whose claim is held elsewhere until the holder
// resolves it, then returns the outcome. Bounded: after PendingPolls polls it
// gives up with conflict_link_in_flight and lets the caller retry later.
func (c *Coordinator) waitForPending(ctx context.Context, userID string) (*types.LinkResult, error) {
	for i := 0; i < c.cfg.PendingPolls; i++ {
		c.sleepFn(c.cfg.PendingWait)
		if err := ctx.Err(); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "context canceled while waiting for link", err)
		}

		user, err := c.users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		switch user.LinkStatus {
		case types.LinkLinked:
			return &types.LinkResult{UserID: userID, CustomerID: user.ExternalCustomerID, Created: false}, nil
		case types.LinkFailed:
			return nil, types.NewAppErrorWithDetails(
				types.ErrCodeProviderRejected,
				"link attempt failed in another process",
				nil,
				map[string]any{"reason": user.LinkFailure},
			)
		}
	}
	return nil, types.NewAppError(
		types.ErrCodeConflictLinkInFlight,
		"a link attempt for this user is already in flight",
		nil,
	)
}

// checkAttemptGate blocks attempts that would violate the retry policy:
// transient failures back off, permanent failures stay parked until a profile
// change clears them.
func (c *Coordinator) checkAttemptGate(userID string, status types.LinkStatus) error {
	c.mu.Lock()
	att := c.attempts[userID]
	c.mu.Unlock()
	if att == nil {
		return nil
	}

	switch att.Outcome {
	case types.AttemptFailedTransient:
		if c.clock.Now().Sub(att.At) < c.cfg.RetryBackoff {
			return types.NewAppError(
				types.ErrCodeProviderUnavailable,
				fmt.Sprintf("link attempt backed off, retry after %s", c.cfg.RetryBackoff),
				att.Err,
			)
		}
	case types.AttemptFailedPermanent:
		if status == types.LinkFailed {
			return types.NewAppError(
				types.ErrCodeProviderRejected,
				"link attempt parked after permanent provider rejection",
				att.Err,
			)
		}
	}
	return nil
}

// recordFailure classifies the error, releases the pending claim into the
// failed state, and records the attempt for the retry gate. Returns the
// original error for the caller to propagate.
func (c *Coordinator) recordFailure(ctx context.Context, userID string, cause error) error {
	outcome := types.AttemptFailedPermanent
	if types.IsTransient(cause) {
		outcome = types.AttemptFailedTransient
	}

	c.mu.Lock()
	c.attempts[userID] = &types.SyncAttempt{
		UserID:  userID,
		At:      c.clock.Now(),
		Outcome: outcome,
		Err:     cause,
	}
	c.mu.Unlock()

	if err := c.users.MarkLinkFailed(ctx, userID, cause.Error()); err != nil {
		c.logger.ErrorContext(ctx, "failed to release link claim",
			"user_id", userID,
			"error", err,
		)
	}

	c.metrics.Count(ctx, telemetry.MetricLinkFailed, map[string]string{
		telemetry.DimOutcome: string(outcome),
	})
	c.logger.WarnContext(ctx, "link attempt failed",
		"user_id", userID,
		"outcome", string(outcome),
		"error", cause,
	)
	return cause
}

func (c *Coordinator) clearAttempt(userID string) {
	c.mu.Lock()
	delete(c.attempts, userID)
	c.mu.Unlock()
}

// staleClaimWindow is how old a pending claim must be before another caller
// may steal it. Generous relative to PendingWait so a healthy attempt is
// never stolen mid-flight.
func (c *Coordinator) staleClaimWindow() time.Duration {
	w := c.cfg.PendingWait * time.Duration(c.cfg.PendingPolls) * 4
	if w < time.Minute {
		w = time.Minute
	}
	return w
}

// keyedLocks is a lock table with one mutex per active key. Entries are
// reference counted and removed when the last holder releases.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its release func.
func (t *keyedLocks) lock(key string) func() {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*keyedLock)
	}
	l := t.locks[key]
	if l == nil {
		l = &keyedLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}
