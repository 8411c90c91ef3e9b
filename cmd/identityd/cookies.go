package main

import (
	"context"
	"net/http"

	"github.com/ducknotes/identity"
)

const (
	accessCookieName  = "access"
	refreshCookieName = "refresh"
)

// setAuthCookies delivers the token pair as httpOnly cookies. In production
// the cookies are Secure with SameSite=None so cross-site frontends can send
// them; elsewhere Lax keeps local development on plain HTTP working.
func (s *server) setAuthCookies(w http.ResponseWriter, pair identity.TokenPair) {
	sameSite := http.SameSiteLaxMode
	if s.opts.secureCookies {
		sameSite = http.SameSiteNoneMode
	}

	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieName,
		Value:    pair.Access,
		Path:     "/",
		MaxAge:   int(s.opts.accessTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.secureCookies,
		SameSite: sameSite,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.Refresh,
		Path:     "/",
		MaxAge:   int(s.opts.refreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.secureCookies,
		SameSite: sameSite,
	})
}

// clearAuthCookies expires both token cookies.
func (s *server) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{accessCookieName, refreshCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   s.opts.secureCookies,
		})
	}
}

func contextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
