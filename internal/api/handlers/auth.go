// Package handlers contains the HTTP handler implementations for the
// PalletSpace API.
//
// Each handler is responsible for:
//   - Decoding and validating HTTP requests
//   - Delegating to the link engine and repositories
//   - Encoding responses and mapping errors to the wire format
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"palletspace/internal/core"
	"palletspace/internal/types"
)

// --- DTOs ---

// SignupRequest is the request body for POST /auth/signup.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse is the response body for signup and login. LinkStatus tells
// the client whether the billing link exists yet; a degraded link never
// blocks account access.
type AuthResponse struct {
	User *types.User `json:"user"`
}

// --- Dependencies ---

// UserAccountStore is the subset of the user repository the auth handler
// needs.
type UserAccountStore interface {
	Create(ctx context.Context, user *types.User) error
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
}

// LinkEnsurer drives the ensure-linked flow after signup and login.
type LinkEnsurer interface {
	EnsureLinked(ctx context.Context, userID string) (*types.LinkResult, error)
}

// --- Handler ---

// AuthHandler implements account creation and credential login. Both flows
// call EnsureLinked best-effort: a provider outage degrades the billing link,
// never the account operation itself.
type AuthHandler struct {
	users     UserAccountStore
	links     LinkEnsurer
	logger    *slog.Logger
	validator *core.Validator
}

// NewAuthHandler creates a new AuthHandler with the provided dependencies.
func NewAuthHandler(users UserAccountStore, links LinkEnsurer, logger *slog.Logger, validator *core.Validator) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		users:     users,
		links:     links,
		logger:    logger,
		validator: validator,
	}
}

// RegisterRoutes mounts the auth routes onto the provided router.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/signup", h.HandleSignup)
	r.Post("/auth/login", h.HandleLogin)
}

// HandleSignup processes POST /auth/signup requests.
//
//  1. Decode and validate the SignupRequest.
//  2. Canonicalize the email and hash the password.
//  3. Create the user record with an unlinked billing status.
//  4. Attempt EnsureLinked; failure is logged and the signup still succeeds.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash password", err))
		return
	}

	user := &types.User{
		ID:           uuid.NewString(),
		Email:        canonicalizeEmail(req.Email),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		LinkStatus:   types.LinkUnlinked,
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.users.Create(r.Context(), user); err != nil {
		core.Error(w, r, err)
		return
	}

	h.ensureLinkedBestEffort(r.Context(), user)

	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: AuthResponse{User: user}})
}

// HandleLogin processes POST /auth/login requests.
//
// Unknown emails and wrong passwords both map to auth_invalid_credentials so
// the response does not reveal which accounts exist. A login on an unlinked
// account retries EnsureLinked, repairing links that failed at signup.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByEmail(r.Context(), canonicalizeEmail(req.Email))
	if err != nil {
		core.Error(w, r, invalidCredentials(err))
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		core.Error(w, r, invalidCredentials(err))
		return
	}

	if err := h.users.UpdateLastLogin(r.Context(), user.ID); err != nil {
		h.logger.WarnContext(r.Context(), "failed to record login time",
			"user_id", user.ID,
			"error", err,
		)
	}

	if user.LinkStatus != types.LinkLinked {
		h.ensureLinkedBestEffort(r.Context(), user)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: AuthResponse{User: user}})
}

// ensureLinkedBestEffort runs EnsureLinked and folds the outcome back into
// the in-memory user for the response. Link failures are logged, never
// surfaced to the account flow.
func (h *AuthHandler) ensureLinkedBestEffort(ctx context.Context, user *types.User) {
	result, err := h.links.EnsureLinked(ctx, user.ID)
	if err != nil {
		h.logger.WarnContext(ctx, "billing link attempt failed",
			"user_id", user.ID,
			"error", err,
		)
		user.LinkStatus = types.LinkFailed
		return
	}
	user.ExternalCustomerID = result.CustomerID
	user.LinkStatus = types.LinkLinked
}

// invalidCredentials collapses any login failure into a single 401 response.
func invalidCredentials(err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeInternalDB {
		return err
	}
	return types.NewAppError(types.ErrCodeAuthInvalidCreds, "invalid email or password", err)
}

// canonicalizeEmail normalizes an email address for storage and lookup.
func canonicalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
