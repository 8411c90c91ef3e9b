package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ducknotes/identity"
	"github.com/ducknotes/identity/provider"
)

type serverOptions struct {
	secureCookies bool
	accessTTL     time.Duration
	refreshTTL    time.Duration
}

type server struct {
	engine    *identity.Engine
	providers map[identity.Provider]provider.Adapter
	logger    *slog.Logger
	opts      serverOptions
}

func newServer(engine *identity.Engine, providers map[identity.Provider]provider.Adapter, logger *slog.Logger, opts serverOptions) *server {
	return &server{
		engine:    engine,
		providers: providers,
		logger:    logger,
		opts:      opts,
	}
}

func (s *server) routes(registry *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Use(s.withRequestContext)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/users", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/users/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/users/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/oauth/{provider}/start", s.handleOAuthStart).Methods(http.MethodGet)
	api.HandleFunc("/oauth/{provider}/callback", s.handleOAuthCallback).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireAccess)
	authed.HandleFunc("/users/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/users/logout-all", s.handleLogoutAll).Methods(http.MethodPost)
	authed.HandleFunc("/users/confirm", s.handleConfirmRequest).Methods(http.MethodPost)
	authed.HandleFunc("/users/confirm/{code}", s.handleConfirm).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

/*
====================================
MIDDLEWARE
====================================
*/

// withRequestContext threads the caller's IP and User-Agent into the request
// context so the engine can fingerprint the device and stamp audit events.
func (s *server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithClientIP(r.Context(), clientIP(r))
		ctx = identity.WithUserAgent(ctx, r.UserAgent())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type userIDKey struct{}

// requireAccess authenticates the request from the access cookie or a bearer
// header and stores the subject user id in the context.
func (s *server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		access := accessFromRequest(r)
		if access == "" {
			s.writeError(w, r, identity.ErrInvalidCredentials)
			return
		}
		userID, err := s.engine.VerifyAccess(r.Context(), access)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithUserID(r.Context(), userID)))
	})
}

func accessFromRequest(r *http.Request) string {
	if c, err := r.Cookie(accessCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

/*
====================================
LOCAL FLOWS
====================================
*/

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, identity.ErrValidation)
		return
	}

	user, err := s.engine.RegisterLocal(r.Context(), identity.RegisterInput{
		Name:     in.Name,
		Email:    in.Email,
		Username: in.Username,
		Password: in.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Log the fresh account in right away so the client leaves registration
	// with a usable cookie pair.
	if result, err := s.engine.Login(r.Context(), user.Username, in.Password, ""); err == nil {
		s.setAuthCookies(w, result.Tokens)
	} else {
		s.logger.Warn("post-registration login failed", "user_id", user.ID, "error", err)
	}

	s.writeJSON(w, http.StatusCreated, identity.Profile{
		ID:       user.ID,
		Username: user.Username,
		Name:     user.Name,
	})
}

func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, identity.ErrValidation)
		return
	}

	result, err := s.engine.Login(r.Context(), in.Identifier, in.Password, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setAuthCookies(w, result.Tokens)
	s.writeJSON(w, http.StatusOK, result.Profile)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		refresh = c.Value
	}
	if refresh == "" {
		s.writeError(w, r, identity.ErrInvalidCredentials)
		return
	}

	pair, err := s.engine.Refresh(r.Context(), refresh, "")
	if err != nil {
		s.clearAuthCookies(w)
		s.writeError(w, r, err)
		return
	}

	s.setAuthCookies(w, *pair)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	refresh := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		refresh = c.Value
	}

	err := s.engine.Logout(r.Context(), userIDFromContext(r.Context()), "", refresh)
	s.clearAuthCookies(w)
	if err != nil && !errors.Is(err, identity.ErrSessionNotFound) {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TargetUserID string `json:"target_user_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&in)
	}

	refresh := ""
	if c, err := r.Cookie(refreshCookieName); err == nil {
		refresh = c.Value
	}

	acting := userIDFromContext(r.Context())
	removed, err := s.engine.LogoutAll(r.Context(), acting, in.TargetUserID, "", refresh)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.TargetUserID == "" || in.TargetUserID == acting {
		s.clearAuthCookies(w)
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"sessions_removed": removed})
}

/*
====================================
OAUTH FLOWS
====================================
*/

const oauthStateCookie = "oauth_state"

func (s *server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.providers[identity.Provider(mux.Vars(r)["provider"])]
	if !ok {
		http.NotFound(w, r)
		return
	}

	state, err := randomState()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/v1/oauth",
		MaxAge:   int((5 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   s.opts.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, adapter.AuthorizationURL(state), http.StatusFound)
}

func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	adapter, ok := s.providers[identity.Provider(mux.Vars(r)["provider"])]
	if !ok {
		http.NotFound(w, r)
		return
	}

	query := r.URL.Query()
	if errParam := query.Get("error"); errParam != "" {
		http.Error(w, errParam, http.StatusBadRequest)
		return
	}

	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != query.Get("state") {
		http.Error(w, "state mismatch", http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		http.Error(w, "missing code", http.StatusBadRequest)
		return
	}

	profile, err := adapter.FetchProfile(r.Context(), code)
	if err != nil {
		s.logger.Warn("oauth exchange failed", "provider", adapter.Name(), "error", err)
		http.Error(w, "provider exchange failed", http.StatusBadGateway)
		return
	}

	result, err := s.engine.LoginOAuth(r.Context(), profile, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.setAuthCookies(w, result.Tokens)
	s.writeJSON(w, http.StatusOK, result.Profile)
}

func randomState() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

/*
====================================
EMAIL CONFIRMATION
====================================
*/

func (s *server) handleConfirmRequest(w http.ResponseWriter, r *http.Request) {
	issue, err := s.engine.RequestEmailConfirmation(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"expires_at": issue.ExpiresAt,
		"reissued":   issue.Reissued,
	})
}

func (s *server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	err := s.engine.ConfirmEmail(r.Context(), userIDFromContext(r.Context()), mux.Vars(r)["code"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
PLUMBING
====================================
*/

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := identity.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		err = errors.New("internal error")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
