package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/insforge/insforge/internal/httputil"
	"github.com/insforge/insforge/internal/oauth"
	"github.com/insforge/insforge/internal/tokens"
)

// Handler is the HTTP surface of the auth service, mounted under /api/auth.
type Handler struct {
	svc       *Service
	providers *oauth.Manager
	limiter   *RateLimiter
	logger    *slog.Logger

	// Pending OAuth browser flows, keyed by state.
	statesMu sync.Mutex
	states   map[string]oauthFlowState
}

type oauthFlowState struct {
	codeChallenge string
	redirectTo    string
	expiresAt     time.Time
}

func NewHandler(svc *Service, providers *oauth.Manager, limiter *RateLimiter, logger *slog.Logger) *Handler {
	return &Handler{
		svc:       svc,
		providers: providers,
		limiter:   limiter,
		logger:    logger,
		states:    make(map[string]oauthFlowState),
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/users", h.register)
	r.Post("/sessions", h.login)
	r.Post("/exchange", h.exchange)
	r.Post("/refresh", h.refresh)
	r.Post("/logout", h.logout)

	r.Route("/email", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/send-verification", h.sendVerification)
		r.Post("/verify", h.verifyEmail)
		r.Post("/send-reset-password", h.sendResetPassword)
		r.Post("/exchange-reset-password-token", h.exchangeResetToken)
		r.Post("/reset-password", h.resetPassword)
	})

	r.Post("/admin/sessions", h.adminLogin)
	r.Post("/admin/sessions/exchange", h.adminExchange)

	r.With(h.svc.RequireAuth).Get("/sessions/current", h.currentSession)
	r.Get("/public-config", h.publicConfig)

	r.Group(func(r chi.Router) {
		r.Use(h.svc.RequireAdmin)
		r.Get("/config", h.getConfig)
		r.Put("/config", h.putConfig)
		r.Get("/users", h.listUsers)
		r.Get("/users/{id}", h.getUser)
		r.Delete("/users", h.deleteUsers)
		r.Post("/tokens/anon", h.anonToken)
	})

	r.HandleFunc("/oauth/{provider}/authorize", h.oauthAuthorize)
	r.HandleFunc("/oauth/{provider}/callback", h.oauthCallback)

	return r
}

// --- password flows ---

type credentialsRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Name          string `json:"name"`
	CodeChallenge string `json:"code_challenge"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSession(w, r, http.StatusCreated, result, req.CodeChallenge)
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, result, req.CodeChallenge)
}

// exchange trades a one-shot authorization code for the session it parked.
func (h *Handler) exchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code         string `json:"code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	entry := h.svc.Codes().Consume(req.Code)
	if entry == nil {
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "invalid or expired authorization code")
		return
	}
	if entry.CodeChallenge != "" && !VerifyPKCE(req.CodeVerifier, entry.CodeChallenge) {
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "code verifier does not match challenge")
		return
	}

	csrfToken, err := h.setSessionCookies(w, r, entry.User, tokens.RoleAuthenticated)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken": entry.AccessToken,
		"user":        entry.User,
		"csrfToken":   csrfToken,
	})
}

// refresh rotates the session. Both the refresh cookie and a matching CSRF
// header are required; any failure clears both cookies.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookieName)
	if err != nil || cookie.Value == "" {
		h.clearSessionCookies(w, r)
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "missing refresh token")
		return
	}
	csrfCookie, _ := r.Cookie(CSRFCookieName)
	csrfCookieValue := ""
	if csrfCookie != nil {
		csrfCookieValue = csrfCookie.Value
	}
	if !h.svc.CSRF().Verify(r.Header.Get(CSRFHeaderName), csrfCookieValue, cookie.Value) {
		h.clearSessionCookies(w, r)
		httputil.WriteError(w, http.StatusForbidden, httputil.CodeForbidden, "csrf token mismatch")
		return
	}

	access, refresh, user, err := h.svc.Refresh(r.Context(), cookie.Value)
	if err != nil {
		h.clearSessionCookies(w, r)
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "invalid refresh token")
		return
	}

	csrfToken := h.svc.CSRF().Token(refresh)
	h.writeCookies(w, r, refresh, csrfToken)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken": access,
		"user":        user,
		"csrfToken":   csrfToken,
	})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookies(w, r)
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// --- email flows ---

type emailRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
	Token string `json:"token"`
}

const enumerationSafeMessage = "if your email is registered, you will receive an email shortly"

func (h *Handler) sendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SendVerificationEmail(r.Context(), req.Email); err != nil {
		if errors.Is(err, ErrValidation) {
			h.writeServiceError(w, err)
			return
		}
		h.logger.Error("send verification email", "error", err)
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"message": enumerationSafeMessage})
}

func (h *Handler) sendResetPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.SendResetPasswordEmail(r.Context(), req.Email); err != nil {
		if errors.Is(err, ErrValidation) {
			h.writeServiceError(w, err)
			return
		}
		h.logger.Error("send reset email", "error", err)
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"message": enumerationSafeMessage})
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		emailRequest
		CodeChallenge string `json:"code_challenge"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	var result *SessionResult
	var err error
	if req.Token != "" {
		result, err = h.svc.VerifyEmailWithToken(r.Context(), req.Token)
	} else {
		result, err = h.svc.VerifyEmailWithCode(r.Context(), req.Email, req.Code)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeSession(w, r, http.StatusOK, result, req.CodeChallenge)
}

func (h *Handler) exchangeResetToken(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	token, expiresAt, err := h.svc.ExchangeResetCode(r.Context(), req.Email, req.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt,
	})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.svc.ResetPasswordWithToken(r.Context(), req.NewPassword, req.Token); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": "password updated, you can now log in"})
}

// --- admin ---

func (h *Handler) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	access, err := h.svc.AdminLogin(req.Email, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeAdminSession(w, r, access, req.Email)
}

func (h *Handler) adminExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	access, err := h.svc.AdminLoginWithAuthorizationCode(r.Context(), req.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeAdminSession(w, r, access, "")
}

func (h *Handler) writeAdminSession(w http.ResponseWriter, r *http.Request, access, email string) {
	refresh, err := h.svc.Tokens().IssueAdminRefresh(email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	csrfToken := h.svc.CSRF().Token(refresh)
	h.writeCookies(w, r, refresh, csrfToken)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken": access,
		"csrfToken":   csrfToken,
	})
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	if claims.IsAdmin() || claims.IsAnon() {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"role":  claims.Role,
			"email": claims.Email,
		})
		return
	}
	user, err := h.svc.GetUser(r.Context(), claims.Subject)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"user": user, "role": claims.Role})
}

func (h *Handler) publicConfig(w http.ResponseWriter, r *http.Request) {
	settings := h.svc.Settings()
	var providers []string
	if h.providers != nil {
		providers = h.providers.EnabledProviders()
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"requireEmailVerification": settings.RequireEmailVerification,
		"verificationMethod":       settings.VerificationMethod,
		"passwordPolicy":           settings.PasswordPolicy,
		"oauthProviders":           providers,
	})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.svc.Settings())
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var next Settings
	if !httputil.DecodeJSON(w, r, &next) {
		return
	}
	if err := h.svc.UpdateSettings(next); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, h.svc.Settings())
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	users, total, err := h.svc.ListUsers(r.Context(), limit, offset, r.URL.Query().Get("search"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"users": users, "total": total})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) deleteUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	deleted, err := h.svc.DeleteUsers(r.Context(), req.IDs)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) anonToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.svc.Tokens().IssueAnon()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"accessToken": token})
}

// --- OAuth browser flows ---

func (h *Handler) oauthAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "oauth is not configured")
		return
	}
	provider, err := h.providers.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	state, err := randomState()
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.storeState(state, oauthFlowState{
		codeChallenge: r.URL.Query().Get("code_challenge"),
		redirectTo:    r.URL.Query().Get("redirect_to"),
		expiresAt:     time.Now().Add(authCodeTTL),
	})

	authorizeURL, err := provider.AuthorizeURL(state)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if h.providers == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "oauth is not configured")
		return
	}
	provider, err := h.providers.Provider(chi.URLParam(r, "provider"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// Apple posts the callback as a form; everyone else uses the query.
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, "malformed callback form")
			return
		}
	}
	param := func(name string) string {
		if v := r.FormValue(name); v != "" {
			return v
		}
		return r.URL.Query().Get(name)
	}
	if errMsg := param("error"); errMsg != "" {
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "provider returned an error: "+errMsg)
		return
	}

	state := param("state")
	flow := h.takeState(state)

	identity, err := provider.Callback(r.Context(), oauth.CallbackRequest{
		Code:  param("code"),
		Token: param("id_token"),
		State: state,
	})
	if err != nil {
		h.logger.Warn("oauth callback failed", "provider", provider.Name(), "error", err)
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, "oauth sign-in failed")
		return
	}

	result, err := h.svc.FindOrCreateThirdPartyUser(r.Context(), identity)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	redirectTo := flow.redirectTo
	if redirectTo == "" {
		redirectTo = result.RedirectTo
	}

	// PKCE flows park the session behind a one-shot code.
	if flow.codeChallenge != "" {
		code, err := h.svc.Codes().Store(result.AccessToken, result.User, flow.codeChallenge)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		if redirectTo != "" {
			http.Redirect(w, r, appendQuery(redirectTo, "code", code), http.StatusFound)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"code": code, "user": result.User})
		return
	}

	csrfToken, err := h.setSessionCookies(w, r, result.User, tokens.RoleAuthenticated)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if redirectTo != "" {
		http.Redirect(w, r, redirectTo, http.StatusFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"accessToken": result.AccessToken,
		"user":        result.User,
		"csrfToken":   csrfToken,
	})
}

func (h *Handler) storeState(state string, flow oauthFlowState) {
	h.statesMu.Lock()
	defer h.statesMu.Unlock()
	now := time.Now()
	for s, f := range h.states {
		if now.After(f.expiresAt) {
			delete(h.states, s)
		}
	}
	h.states[state] = flow
}

func (h *Handler) takeState(state string) oauthFlowState {
	h.statesMu.Lock()
	defer h.statesMu.Unlock()
	flow, ok := h.states[state]
	if !ok {
		return oauthFlowState{}
	}
	delete(h.states, state)
	if time.Now().After(flow.expiresAt) {
		return oauthFlowState{}
	}
	return flow
}

// --- session plumbing ---

// writeSession finishes an authentication. PKCE requests get a one-shot
// code; verification-parked registrations get no token at all; everyone
// else gets the access token plus the cookie pair.
func (h *Handler) writeSession(w http.ResponseWriter, r *http.Request, status int, result *SessionResult, codeChallenge string) {
	if result.RequireEmailVerification {
		httputil.WriteJSON(w, status, result)
		return
	}

	if codeChallenge != "" {
		code, err := h.svc.Codes().Store(result.AccessToken, result.User, codeChallenge)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		httputil.WriteJSON(w, status, map[string]any{"code": code, "user": result.User})
		return
	}

	csrfToken, err := h.setSessionCookies(w, r, result.User, tokens.RoleAuthenticated)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, status, map[string]any{
		"user":                     result.User,
		"accessToken":              result.AccessToken,
		"csrfToken":                csrfToken,
		"requireEmailVerification": false,
		"redirectTo":               result.RedirectTo,
	})
}

// setSessionCookies mints a refresh token for user, derives its CSRF token,
// and sets both cookies. Returns the CSRF token for the response body.
func (h *Handler) setSessionCookies(w http.ResponseWriter, r *http.Request, user *User, role string) (string, error) {
	refresh, err := h.svc.Tokens().IssueRefresh(user.ID, user.Email, role)
	if err != nil {
		return "", fmt.Errorf("issuing refresh token: %w", err)
	}
	csrfToken := h.svc.CSRF().Token(refresh)
	h.writeCookies(w, r, refresh, csrfToken)
	return csrfToken, nil
}

// secureRequest reports whether the client connection is HTTPS, directly or
// through the deployment proxy's X-Forwarded-Proto.
func secureRequest(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func (h *Handler) writeCookies(w http.ResponseWriter, r *http.Request, refresh, csrfToken string) {
	maxAge := int(h.svc.Tokens().RefreshTTL().Seconds())
	secure := secureRequest(r)
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    refresh,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter, r *http.Request) {
	secure := secureRequest(r)
	for _, spec := range []struct {
		name     string
		httpOnly bool
	}{
		{RefreshCookieName, true},
		{CSRFCookieName, false},
	} {
		http.SetCookie(w, &http.Cookie{
			Name:     spec.name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: spec.httpOnly,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// writeServiceError maps service sentinels onto the error envelope.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		httputil.WriteError(w, http.StatusBadRequest, httputil.CodeInvalidInput, err.Error())
	case errors.Is(err, ErrEmailTaken):
		httputil.WriteError(w, http.StatusConflict, httputil.CodeAlreadyExists, "email already registered")
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidOTP), errors.Is(err, tokens.ErrInvalidToken):
		httputil.WriteError(w, http.StatusUnauthorized, httputil.CodeUnauthorized, err.Error())
	case errors.Is(err, ErrEmailNotVerified):
		httputil.WriteErrorWithNextActions(w, http.StatusForbidden, httputil.CodeForbidden,
			"email not verified", "verify your email, then log in again")
	case errors.Is(err, tokens.ErrProjectMismatch):
		httputil.WriteError(w, http.StatusForbidden, httputil.CodeForbidden, "token belongs to a different project")
	case errors.Is(err, ErrUserNotFound):
		httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, "user not found")
	case errors.Is(err, ErrCloudDisabled):
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "cloud login is not configured")
	case errors.Is(err, ErrDatabaseUnavailable):
		httputil.WriteError(w, http.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "database is not configured")
	case errors.Is(err, oauth.ErrUnknownProvider), errors.Is(err, oauth.ErrProviderDisabled):
		httputil.WriteError(w, http.StatusNotFound, httputil.CodeNotFound, err.Error())
	default:
		h.logger.Error("auth request failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, httputil.CodeInternalError, "internal error")
	}
}

func randomState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func appendQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
