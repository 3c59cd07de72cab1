package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"palletspace/internal/core"
	"palletspace/internal/types"
)

// UpdateProfileRequest is the request body for PATCH /users/me. Omitted or
// empty fields are left unchanged.
type UpdateProfileRequest struct {
	Email string `json:"email" validate:"omitempty,email"`
	Name  string `json:"name" validate:"omitempty,max=100"`
}

// UserProfileStore is the subset of the user repository the profile handler
// needs.
type UserProfileStore interface {
	GetByID(ctx context.Context, userID string) (*types.User, error)
	GetByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateProfileFields(ctx context.Context, userID string, email string, name string) error
}

// ProfilePusher propagates profile changes to the external billing customer.
type ProfilePusher interface {
	PushProfile(ctx context.Context, userID string, profile types.CustomerProfile) error
}

// UsersHandler implements profile updates. Callers authenticate per request
// with HTTP Basic credentials (email and password); there is no session
// layer in this service.
type UsersHandler struct {
	users     UserProfileStore
	pusher    ProfilePusher
	logger    *slog.Logger
	validator *core.Validator
}

// NewUsersHandler creates a new UsersHandler with the provided dependencies.
func NewUsersHandler(users UserProfileStore, pusher ProfilePusher, logger *slog.Logger, validator *core.Validator) *UsersHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsersHandler{
		users:     users,
		pusher:    pusher,
		logger:    logger,
		validator: validator,
	}
}

// RegisterRoutes mounts the user routes onto the provided router.
func (h *UsersHandler) RegisterRoutes(r chi.Router) {
	r.Patch("/users/me", h.HandleUpdateProfile)
}

// HandleUpdateProfile processes PATCH /users/me requests.
//
//  1. Authenticate the caller from Basic credentials.
//  2. Decode and validate the partial update.
//  3. Apply the changed fields locally.
//  4. Push the resulting profile to the billing provider. The local update
//     is already committed at that point; a push failure is reported so the
//     client can retry, and the next successful push converges the provider
//     copy.
func (h *UsersHandler) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.authenticate(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	r = r.WithContext(types.WithActor(r.Context(), types.Actor{
		ID:    user.ID,
		Type:  types.ActorTypeUser,
		Email: user.Email,
	}))

	var req UpdateProfileRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	email := canonicalizeEmail(req.Email)
	name := strings.TrimSpace(req.Name)
	if email == "" && name == "" {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"at least one of email or name must be provided",
			nil,
		))
		return
	}

	if err := h.users.UpdateProfileFields(r.Context(), user.ID, email, name); err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := h.users.GetByID(r.Context(), user.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.pusher.PushProfile(r.Context(), updated.ID, types.CustomerProfile{
		UserID: updated.ID,
		Email:  updated.Email,
		Name:   updated.Name,
	}); err != nil {
		h.logger.WarnContext(r.Context(), "profile push to billing provider failed",
			"user_id", updated.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "profile updated",
		"user_id", updated.ID,
		"actor_type", string(actor.Type),
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: updated})
}

// authenticate resolves the caller from HTTP Basic credentials. Missing
// credentials, unknown emails, and wrong passwords are indistinguishable in
// the response.
func (h *UsersHandler) authenticate(r *http.Request) (*types.User, error) {
	email, password, ok := r.BasicAuth()
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthInvalidCreds, "credentials required", nil)
	}

	user, err := h.users.GetByEmail(r.Context(), canonicalizeEmail(email))
	if err != nil {
		return nil, invalidCredentials(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, invalidCredentials(err)
	}
	return user, nil
}
