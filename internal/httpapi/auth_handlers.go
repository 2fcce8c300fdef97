package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lyceum.org/internal/audit"
	"lyceum.org/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type codeRequest struct {
	Code string `json:"code"`
}

const maxAPIKeyTTLDays = 3650

type createAPIKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
	TTLDays     int      `json:"ttl_days,omitempty"`
}

type createAPIKeyResponse struct {
	APIKey auth.APIKey `json:"api_key"`
	Key    string      `json:"key"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	pair, p, err := a.deps.Auth.Login(r.Context(), auth.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		OTP:       req.OTP,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"email": strings.ToLower(strings.TrimSpace(req.Email)),
		})
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithPrincipal(r.Context(), p), "auth.login", nil)
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	pair, err := a.deps.Auth.Refresh(r.Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := a.deps.Auth.Logout(r.Context(), p.Session.ID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	resp := map[string]any{"user": p.User}
	switch {
	case p.APIKey != nil:
		resp["credential"] = "api_key"
		resp["api_key_id"] = p.APIKey.ID
	case p.Session != nil:
		resp["credential"] = "session"
		resp["session_id"] = p.Session.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	set, err := a.deps.Authz.Permissions().EffectivePermissions(r.Context(), p.User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	all, names := set.All, set.Sorted()
	if p.APIKey != nil {
		// A key holds its scope intersected with the owner's permissions.
		scoped := make([]string, 0, len(p.APIKey.Permissions))
		for _, name := range p.APIKey.Permissions {
			if set.AllowsName(name) {
				scoped = append(scoped, name)
			}
		}
		all, names = false, scoped
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"all":         all,
		"permissions": names,
	})
}

func (a *API) handleMFAEnroll(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSession(w, r)
	if !ok {
		return
	}
	if a.deps.MFA == nil {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	enrollment, err := a.deps.MFA.Enroll(r.Context(), p.User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.mfa.enroll", nil)
	writeJSON(w, http.StatusCreated, enrollment)
}

func (a *API) handleMFAConfirm(w http.ResponseWriter, r *http.Request) {
	a.mfaCodeAction(w, r, "auth.mfa.confirm", func(m *auth.MFAManager, userID int64, code string) error {
		return m.Confirm(r.Context(), userID, code)
	})
}

func (a *API) handleMFADisable(w http.ResponseWriter, r *http.Request) {
	a.mfaCodeAction(w, r, "auth.mfa.disable", func(m *auth.MFAManager, userID int64, code string) error {
		return m.Disable(r.Context(), userID, code)
	})
}

func (a *API) mfaCodeAction(w http.ResponseWriter, r *http.Request, event string, fn func(*auth.MFAManager, int64, string) error) {
	p, ok := requireSession(w, r)
	if !ok {
		return
	}
	if a.deps.MFA == nil {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if err := fn(a.deps.MFA, p.User.ID, req.Code); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), event, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	keys, err := a.deps.Keys.List(r.Context(), principal(r).User.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (a *API) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, ok := requireSession(w, r)
	if !ok {
		return
	}
	if a.deps.Keys == nil {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.TTLDays < 0 || req.TTLDays > maxAPIKeyTTLDays {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("ttl_days must be between 0 and %d", maxAPIKeyTTLDays))
		return
	}
	key, raw, err := a.deps.Keys.Issue(r.Context(), p.User.ID, req.Name, req.Permissions,
		time.Duration(req.TTLDays)*24*time.Hour)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.api_key.issue", map[string]any{
		"api_key_id":  key.ID,
		"permissions": key.Permissions,
	})
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: raw})
}

func (a *API) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		writeAuthError(w, r, auth.ErrUnavailable)
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.deps.Keys.Revoke(r.Context(), principal(r).User.ID, id); err != nil {
		writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.api_key.revoke", map[string]any{"api_key_id": id})
	w.WriteHeader(http.StatusNoContent)
}
