package external

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palletspace/internal/types"
)

func newTestStripeClient(baseURL string) *StripeClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"stripe-test",
		RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		"Palletspace/test",
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewStripeClientWithBase(base, StripeClientConfig{
		SecretKey: "sk_test_123",
		BaseURL:   baseURL,
	})
}

func TestStripeClient_CreateCustomer_Success(t *testing.T) {
	var gotIdemKey, gotAuth string
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/customers", r.URL.Path)
		gotIdemKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		json.NewEncoder(w).Encode(map[string]any{
			"id":       "cus_new123",
			"email":    "a@example.com",
			"metadata": map[string]string{"user_id": "user_1"},
		})
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	id, err := c.CreateCustomer(context.Background(), types.CustomerProfile{
		UserID: "user_1",
		Email:  "a@example.com",
		Name:   "Alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_new123", id)

	// The idempotency key is derived from the user id so duplicate creates
	// collapse server-side.
	assert.Equal(t, "customer-create-user_1", gotIdemKey)
	assert.Equal(t, "Bearer sk_test_123", gotAuth)
	assert.Equal(t, []string{"a@example.com"}, gotForm["email"])
	assert.Equal(t, []string{"Alice"}, gotForm["name"])
	assert.Equal(t, []string{"user_1"}, gotForm["metadata[user_id]"])
}

func TestStripeClient_CreateCustomer_PermanentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"code":    "email_invalid",
				"message": "Invalid email address",
				"param":   "email",
			},
		})
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	_, err := c.CreateCustomer(context.Background(), types.CustomerProfile{
		UserID: "user_1",
		Email:  "not-an-email",
	})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeProviderRejected, appErr.Code)
	assert.Equal(t, "email_invalid", appErr.Details["stripe_code"])
	assert.False(t, types.IsTransient(err))
}

func TestStripeClient_CreateCustomer_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	_, err := c.CreateCustomer(context.Background(), types.CustomerProfile{UserID: "user_1", Email: "a@example.com"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeProviderUnavailable, appErr.Code)
	assert.True(t, types.IsTransient(err))
}

func TestStripeClient_UpdateCustomer_Success(t *testing.T) {
	var gotPath string
	var gotForm map[string][]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]any{"id": "cus_abc"})
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	err := c.UpdateCustomer(context.Background(), "cus_abc", types.CustomerProfile{
		UserID: "user_1",
		Email:  "new@example.com",
		Name:   "New Name",
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/customers/cus_abc", gotPath)
	assert.Equal(t, []string{"new@example.com"}, gotForm["email"])
	assert.Equal(t, []string{"New Name"}, gotForm["name"])
}

func TestStripeClient_FindCustomerByUserID_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/customers/search", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("query"), "metadata['user_id']:'user_1'")
		json.NewEncoder(w).Encode(map[string]any{
			"data":     []map[string]any{{"id": "cus_existing"}},
			"has_more": false,
		})
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	id, err := c.FindCustomerByUserID(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
}

func TestStripeClient_FindCustomerByUserID_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}, "has_more": false})
	}))
	defer srv.Close()

	c := newTestStripeClient(srv.URL)
	id, err := c.FindCustomerByUserID(context.Background(), "user_ghost")
	require.NoError(t, err)
	assert.Empty(t, id)
}
