// Package httpapi exposes the authorization engine over HTTP with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"lyceum.org/internal/auth"
	"lyceum.org/internal/obs"
)

const serviceName = "lyceum-api"

// ReadyFunc reports whether a dependency can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Deps are the engine components the handlers call. Auth and Authz are required;
// a nil MFA or Keys disables the matching routes with 503.
type Deps struct {
	Auth   *auth.Service
	Authz  *auth.Authorizer
	MFA    *auth.MFAManager
	Keys   *auth.APIKeyRegistry
	Checks map[string]ReadyFunc
}

// Options tune the HTTP surface.
type Options struct {
	Version        string
	MaxBodyBytes   int64
	AllowedOrigins []string
	LoginRate      float64
	LoginBurst     int
}

// API is the HTTP layer.
type API struct {
	router chi.Router
	deps   Deps
	opts   Options
}

func New(deps Deps, opts Options) (*API, error) {
	if deps.Auth == nil || deps.Authz == nil {
		return nil, errors.New("httpapi requires the auth service and authorizer")
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.LoginRate <= 0 {
		opts.LoginRate = 1
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}
	a := &API{deps: deps, opts: opts}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		RequestID,
		LoggingJSON,
		SecurityHeaders,
		CORS(a.opts.AllowedOrigins),
		MaxBodyBytes(a.opts.MaxBodyBytes),
		instrument,
	)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(RateLimit(a.opts.LoginBurst, a.opts.LoginRate)).Post("/auth/login", a.handleLogin)
		r.Post("/auth/refresh", a.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(a.authenticate)

			r.Post("/auth/logout", a.handleLogout)
			r.Get("/me", a.handleMe)
			r.Get("/me/permissions", a.handleMyPermissions)

			r.Post("/me/mfa/enroll", a.handleMFAEnroll)
			r.Post("/me/mfa/confirm", a.handleMFAConfirm)
			r.Post("/me/mfa/disable", a.handleMFADisable)

			r.Get("/me/api-keys", a.handleListAPIKeys)
			r.Post("/me/api-keys", a.handleCreateAPIKey)
			r.Delete("/me/api-keys/{id}", a.handleRevokeAPIKey)

			r.With(a.require(auth.ResourceRole, auth.ActionRead)).Get("/roles", a.handleListRoles)
			r.With(a.require(auth.ResourceRole, auth.ActionCreate)).Post("/roles", a.handleCreateRole)
			r.Get("/roles/available", a.handleAvailableRoles)
			r.With(a.require(auth.ResourceRole, auth.ActionAssign)).Post("/roles/bulk-assign", a.handleBulkAssign)
			r.With(a.require(auth.ResourceRole, auth.ActionWrite)).Patch("/roles/{name}", a.handleUpdateRole)
			r.With(a.require(auth.ResourceRole, auth.ActionDelete)).Delete("/roles/{name}", a.handleDeleteRole)
			r.With(a.require(auth.ResourcePermission, auth.ActionAssign)).Post("/roles/{name}/permissions", a.handleGrantPermission)
			r.With(a.require(auth.ResourcePermission, auth.ActionAssign)).Delete("/roles/{name}/permissions/{permission}", a.handleRevokePermission)

			r.With(a.require(auth.ResourceRole, auth.ActionAssign)).Post("/users/{id}/roles", a.handleAssignRole)
			r.With(a.require(auth.ResourceRole, auth.ActionAssign)).Delete("/users/{id}/roles/{role}", a.handleUnassignRole)
			r.Post("/users/{id}/permissions/check", a.handleCheckPermissions)

			r.With(a.require(auth.ResourcePermission, auth.ActionRead)).Get("/permissions", a.handleListPermissions)
			r.With(a.require(auth.ResourcePermission, auth.ActionCreate)).Post("/permissions", a.handleCreatePermission)
			r.Get("/permissions/available", a.handleAvailablePermissions)
			r.With(a.require(auth.ResourcePermission, auth.ActionDelete)).Delete("/permissions/{name}", a.handleDeletePermission)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// instrument records metrics labelled with the matched route pattern.
func instrument(next http.Handler) http.Handler {
	return obs.Instrument(next, func(r *http.Request) string {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			return rctx.RoutePattern()
		}
		return ""
	})
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

// CheckReady runs every check and returns the first failure.
func (a *API) CheckReady(ctx context.Context) error {
	names := make([]string, 0, len(a.deps.Checks))
	for name := range a.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.deps.Checks[name](ctx); err != nil {
			return &readyError{name: name, err: err}
		}
	}
	return nil
}

type readyError struct {
	name string
	err  error
}

func (e *readyError) Error() string { return e.name + ": " + e.err.Error() }
func (e *readyError) Unwrap() error { return e.err }

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.CheckReady(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

var errBodyTooLarge = errors.New("request body too large")

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return errBodyTooLarge
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// writeDecodeError answers a body that failed decodeJSON.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
}

// writeAuthError maps engine errors onto HTTP statuses.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrMFARequired):
		w.Header().Set("WWW-Authenticate", "Bearer")
		payload := map[string]any{"error": "second factor required", "mfa_required": true}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnauthorized, payload)
	case errors.Is(err, auth.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, "could not validate credentials")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "insufficient permission")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists), errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "service unavailable")
	default:
		obs.Logger().WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
