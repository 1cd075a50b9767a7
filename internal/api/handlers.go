package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"kolokol/internal/auth"
	"kolokol/internal/call"
	"kolokol/internal/models"
	"kolokol/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type identityKey struct{}

// IdentityFromContext returns the identity stored by RequireAuth.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(models.Identity)
	return identity, ok
}

type API struct {
	auth     *auth.AuthService
	store    *storage.BboltStorage
	calls    *call.Coordinator
	validate *validator.Validate
	logger   *slog.Logger
}

func New(auth *auth.AuthService, store *storage.BboltStorage, calls *call.Coordinator, logger *slog.Logger) *API {
	return &API{
		auth:     auth,
		store:    store,
		calls:    calls,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RequireAuth rejects requests without a valid token before they reach next.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			a.writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	user, err := a.store.GetUser(r.Context(), identity.UserID)
	if err != nil {
		a.writeError(w, models.WrapStorage("get user", err))
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Logoff(auth.TokenFromRequest(r)); err != nil {
		a.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	a.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

// UpdateCallHandler records a media state transition reported by a call
// participant, for example a call that was never picked up becoming missed.
func (a *API) UpdateCallHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var patch models.CallPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		a.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}

	session, err := a.calls.UpdateStatus(r.Context(), chi.URLParam(r, "callID"), identity.UserID, patch)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, session)
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	var sub models.PushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		a.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}
	if err := a.validate.Struct(sub); err != nil {
		a.writeError(w, errors.Join(models.ErrInvalidPayload, err))
		return
	}

	if err := a.store.UpsertPushSubscription(r.Context(), identity.UserID, sub); err != nil {
		a.writeError(w, models.WrapStorage("save push subscription", err))
		return
	}
	a.writeJSON(w, http.StatusCreated, models.APIResponse{Success: true})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, v, a.logger)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	writeError(w, err, a.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response", "error", err)
	}
}

var statusByCode = map[string]int{
	models.CodeUnauthenticated: http.StatusUnauthorized,
	models.CodeForbidden:       http.StatusForbidden,
	models.CodeNotFound:        http.StatusNotFound,
	models.CodeInvalidPayload:  http.StatusBadRequest,
	models.CodeConflict:        http.StatusConflict,
	models.CodeInternal:        http.StatusInternalServerError,
}

func writeError(w http.ResponseWriter, err error, logger *slog.Logger) {
	code, message := models.ErrorCode(err)
	if code == models.CodeInternal {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, statusByCode[code], models.APIResponse{Success: false, Message: message}, logger)
}
