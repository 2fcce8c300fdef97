package httpapi

import (
	"net/http"
	"strings"

	"lyceum.org/internal/auth"
)

const (
	authHeader         = "Authorization"
	sessionTokenHeader = "X-Session-Token"
	apiKeyHeader       = "X-API-Key"
	bearer             = "bearer "
)

// authenticate resolves the caller from a bearer access token, a session token or
// an API key, in that order, and attaches the principal and a per-request
// permission cache to the context.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var (
			p   auth.Principal
			err error
		)
		switch {
		case r.Header.Get(authHeader) != "":
			token, ok := extractBearerToken(r.Header.Get(authHeader))
			if !ok {
				writeAuthError(w, r, auth.ErrUnauthenticated)
				return
			}
			p, err = a.deps.Auth.AuthenticateToken(ctx, token)
		case r.Header.Get(sessionTokenHeader) != "":
			p, err = a.deps.Auth.AuthenticateSessionToken(ctx, strings.TrimSpace(r.Header.Get(sessionTokenHeader)))
		case r.Header.Get(apiKeyHeader) != "":
			p, err = a.deps.Auth.AuthenticateAPIKey(ctx, strings.TrimSpace(r.Header.Get(apiKeyHeader)))
		default:
			err = auth.ErrUnauthenticated
		}
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		ctx = auth.WithRequestCache(ctx)
		ctx = auth.ContextWithPrincipal(ctx, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require guards a route with a resource permission check on the principal.
func (a *API) require(rt auth.ResourceType, action auth.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.deps.Authz.RequirePermission(r.Context(), rt, action); err != nil {
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireSession rejects API key principals for account-level operations.
func requireSession(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeAuthError(w, r, auth.ErrUnauthenticated)
		return auth.Principal{}, false
	}
	if p.APIKey != nil {
		writeAuthError(w, r, auth.ErrForbidden)
		return auth.Principal{}, false
	}
	return p, true
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}
