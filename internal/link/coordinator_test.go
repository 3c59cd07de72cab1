package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palletspace/internal/types"
)

// --- in-memory user store with real CAS semantics ---

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*types.User

	claimCalls  atomic.Int32
	markLinked  atomic.Int32
	markFailed  atomic.Int32
	getErr      error
	claimDenied bool
}

func newFakeUserStore(users ...*types.User) *fakeUserStore {
	s := &fakeUserStore{users: make(map[string]*types.User)}
	for _, u := range users {
		cp := *u
		s.users[u.ID] = &cp
	}
	return s
}

func (s *fakeUserStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) ClaimLink(ctx context.Context, userID string, staleAfter time.Duration) (bool, error) {
	s.claimCalls.Add(1)
	if s.claimDenied {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	if u.LinkStatus == types.LinkUnlinked || u.LinkStatus == types.LinkFailed {
		u.LinkStatus = types.LinkPending
		return true, nil
	}
	return false, nil
}

func (s *fakeUserStore) MarkLinked(ctx context.Context, userID string, customerID string) error {
	s.markLinked.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ExternalCustomerID = customerID
	u.LinkStatus = types.LinkLinked
	u.LinkFailure = ""
	return nil
}

func (s *fakeUserStore) MarkLinkFailed(ctx context.Context, userID string, reason string) error {
	s.markFailed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.LinkStatus = types.LinkFailed
	u.LinkFailure = reason
	return nil
}

func (s *fakeUserStore) setStatus(userID string, status types.LinkStatus, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.LinkStatus = status
	u.ExternalCustomerID = customerID
}

// --- provider fake ---

type fakeProvider struct {
	mu          sync.Mutex
	creates     atomic.Int32
	updates     atomic.Int32
	createErr   error
	updateErr   error
	existing    map[string]string // userID -> customerID found by search
	lastProfile types.CustomerProfile
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, profile types.CustomerProfile) (string, error) {
	if p.createErr != nil {
		return "", p.createErr
	}
	n := p.creates.Add(1)
	p.mu.Lock()
	p.lastProfile = profile
	p.mu.Unlock()
	return fmt.Sprintf("cus_%s_%d", profile.UserID, n), nil
}

func (p *fakeProvider) UpdateCustomer(ctx context.Context, customerID string, profile types.CustomerProfile) error {
	if p.updateErr != nil {
		return p.updateErr
	}
	p.updates.Add(1)
	p.mu.Lock()
	p.lastProfile = profile
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) FindCustomerByUserID(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing[userID], nil
}

// --- fake clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testCoordinator(store *fakeUserStore, provider *fakeProvider, opts ...CoordinatorOption) *Coordinator {
	cfg := CoordinatorConfig{
		RetryBackoff: 30 * time.Second,
		PendingWait:  time.Millisecond,
		PendingPolls: 3,
	}
	opts = append([]CoordinatorOption{WithSleepFunc(func(time.Duration) {})}, opts...)
	return NewCoordinator(store, provider, cfg, slog.Default(), opts...)
}

func unlinkedUser(id string) *types.User {
	return &types.User{
		ID:         id,
		Email:      id + "@example.com",
		Name:       "User " + id,
		LinkStatus: types.LinkUnlinked,
	}
}

// --- EnsureLinked ---

func TestCoordinator_EnsureLinked_FastPath(t *testing.T) {
	store := newFakeUserStore(&types.User{
		ID:                 "u1",
		LinkStatus:         types.LinkLinked,
		ExternalCustomerID: "cus_existing",
	})
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", res.CustomerID)
	assert.False(t, res.Created)
	assert.Equal(t, int32(0), provider.creates.Load())
	assert.Equal(t, int32(0), store.claimCalls.Load())
}

func TestCoordinator_EnsureLinked_CreatesOnce(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "cus_u1_1", res.CustomerID)
	assert.Equal(t, int32(1), provider.creates.Load())

	u, _ := store.GetByID(context.Background(), "u1")
	assert.Equal(t, types.LinkLinked, u.LinkStatus)
	assert.Equal(t, "cus_u1_1", u.ExternalCustomerID)

	// Second call is the fast path against the same customer.
	res2, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res2.Created)
	assert.Equal(t, "cus_u1_1", res2.CustomerID)
	assert.Equal(t, int32(1), provider.creates.Load())
}

func TestCoordinator_EnsureLinked_ConcurrentCallersOneCreate(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	const n = 25
	results := make([]*types.LinkResult, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.EnsureLinked(context.Background(), "u1")
		}(i)
	}
	wg.Wait()

	// Exactly one provider create; every caller observes the same customer.
	assert.Equal(t, int32(1), provider.creates.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "cus_u1_1", results[i].CustomerID)
	}
}

func TestCoordinator_EnsureLinked_ProfileCarried(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	_, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", provider.lastProfile.Email)
	assert.Equal(t, "User u1", provider.lastProfile.Name)
	assert.Equal(t, "u1", provider.lastProfile.UserID)
}

func TestCoordinator_EnsureLinked_RecoversOrphanedCustomer(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{existing: map[string]string{"u1": "cus_orphan"}}
	c := testCoordinator(store, provider)

	// A customer already exists upstream (crash before MarkLinked last time).
	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "cus_orphan", res.CustomerID)
	assert.Equal(t, int32(0), provider.creates.Load())

	u, _ := store.GetByID(context.Background(), "u1")
	assert.Equal(t, types.LinkLinked, u.LinkStatus)
}

func TestCoordinator_EnsureLinked_TransientFailureBacksOff(t *testing.T) {
	clock := newFakeClock()
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{
		createErr: types.NewAppError(types.ErrCodeProviderUnavailable, "stripe down", nil),
	}
	c := testCoordinator(store, provider, WithClock(clock))

	_, err := c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProviderUnavailable, types.ErrCodeOf(err))

	u, _ := store.GetByID(context.Background(), "u1")
	assert.Equal(t, types.LinkFailed, u.LinkStatus)
	assert.NotEmpty(t, u.LinkFailure)

	// Inside the backoff window: gated without touching the provider.
	provider.createErr = nil
	_, err = c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProviderUnavailable, types.ErrCodeOf(err))
	assert.Equal(t, int32(0), provider.creates.Load())

	// Past the window: the retry goes through.
	clock.advance(31 * time.Second)
	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestCoordinator_EnsureLinked_PermanentFailureParks(t *testing.T) {
	clock := newFakeClock()
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{
		createErr: types.NewAppError(types.ErrCodeProviderRejected, "invalid email", nil),
	}
	c := testCoordinator(store, provider, WithClock(clock))

	_, err := c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)

	u, _ := store.GetByID(context.Background(), "u1")
	assert.Equal(t, types.LinkFailed, u.LinkStatus)

	// Parked: time alone does not retry a permanent rejection.
	clock.advance(time.Hour)
	provider.createErr = nil
	_, err = c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProviderRejected, types.ErrCodeOf(err))
	assert.Equal(t, int32(0), provider.creates.Load())

	// A profile change clears the parking and the next attempt succeeds.
	require.NoError(t, c.PushProfile(context.Background(), "u1", types.CustomerProfile{Email: "fixed@example.com"}))
	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestCoordinator_EnsureLinked_WaitsForForeignClaim(t *testing.T) {
	store := newFakeUserStore(&types.User{ID: "u1", Email: "u1@example.com", LinkStatus: types.LinkPending})
	provider := &fakeProvider{}

	// Simulate another process resolving the claim while we poll.
	polls := 0
	c := testCoordinator(store, provider, WithSleepFunc(func(time.Duration) {
		polls++
		if polls == 2 {
			store.setStatus("u1", types.LinkLinked, "cus_other_proc")
		}
	}))

	res, err := c.EnsureLinked(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_other_proc", res.CustomerID)
	assert.False(t, res.Created)
	assert.Equal(t, int32(0), provider.creates.Load())
}

func TestCoordinator_EnsureLinked_ForeignClaimTimesOut(t *testing.T) {
	store := newFakeUserStore(&types.User{ID: "u1", LinkStatus: types.LinkPending})
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	_, err := c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictLinkInFlight, types.ErrCodeOf(err))
}

func TestCoordinator_EnsureLinked_UserNotFound(t *testing.T) {
	store := newFakeUserStore()
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	_, err := c.EnsureLinked(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundUser, types.ErrCodeOf(err))
}

// --- PushProfile ---

func TestCoordinator_PushProfile_Linked(t *testing.T) {
	store := newFakeUserStore(&types.User{
		ID:                 "u1",
		LinkStatus:         types.LinkLinked,
		ExternalCustomerID: "cus_abc",
	})
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	err := c.PushProfile(context.Background(), "u1", types.CustomerProfile{
		Email: "new@example.com",
		Name:  "New Name",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.updates.Load())
	assert.Equal(t, "new@example.com", provider.lastProfile.Email)
	assert.Equal(t, "u1", provider.lastProfile.UserID)
}

func TestCoordinator_PushProfile_NotLinkedIsNoop(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	err := c.PushProfile(context.Background(), "u1", types.CustomerProfile{Email: "x@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), provider.updates.Load())
	assert.Equal(t, int32(0), provider.creates.Load())
}

func TestCoordinator_PushProfile_ProviderError(t *testing.T) {
	store := newFakeUserStore(&types.User{
		ID:                 "u1",
		LinkStatus:         types.LinkLinked,
		ExternalCustomerID: "cus_abc",
	})
	provider := &fakeProvider{
		updateErr: types.NewAppError(types.ErrCodeProviderUnavailable, "stripe down", nil),
	}
	c := testCoordinator(store, provider)

	err := c.PushProfile(context.Background(), "u1", types.CustomerProfile{Email: "x@example.com"})
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeProviderUnavailable, types.ErrCodeOf(err))
}

// --- keyed locks ---

func TestKeyedLocks_MutualExclusionPerKey(t *testing.T) {
	var locks keyedLocks
	var inSection atomic.Int32
	var maxSeen atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("same")
			defer unlock()
			cur := inSection.Add(1)
			if cur > maxSeen.Load() {
				maxSeen.Store(cur)
			}
			inSection.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())

	// Table drains when idle.
	locks.mu.Lock()
	assert.Empty(t, locks.locks)
	locks.mu.Unlock()
}

func TestKeyedLocks_IndependentKeys(t *testing.T) {
	var locks keyedLocks

	u1 := locks.lock("a")
	done := make(chan struct{})
	go func() {
		u2 := locks.lock("b")
		u2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}
	u1()
}

func TestCoordinator_GetError(t *testing.T) {
	store := newFakeUserStore(unlinkedUser("u1"))
	store.getErr = errors.New("connection refused")
	provider := &fakeProvider{}
	c := testCoordinator(store, provider)

	_, err := c.EnsureLinked(context.Background(), "u1")
	require.Error(t, err)
	assert.Equal(t, int32(0), provider.creates.Load())
}
