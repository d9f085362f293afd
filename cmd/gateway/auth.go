package main

import (
	"net"
	"net/http"

	"gridkeep/internal/apierr"
	"gridkeep/internal/blacklist"
	"gridkeep/internal/ratelimit"
	"gridkeep/internal/token"
)

// principal is the authenticated caller, attached to a request's context
// by requireToken.
type principal struct {
	ID    string
	Parts []string
}

type principalKey struct{}

func withPrincipal(r *http.Request, p principal) *http.Request {
	return r.WithContext(contextWithPrincipal(r.Context(), p))
}

// requireToken opens the caller's X-API-Key bearer token (C1), checks it
// against the blacklist (C4), and rejects anything that fails §4.1's
// authorization policy with the opaque message spec.md §7 mandates. On
// success, the request's context carries the decoded principal for
// downstream handlers (mint/newiter ownership checks).
func requireToken(codec *token.Codec, bl *blacklist.List, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blob := r.Header.Get("X-API-Key")
		if blob == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API Key"})
			return
		}

		result := codec.Decode(blob)
		if !token.Authorize(result, bl) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid API Key"})
			return
		}

		id := ""
		if len(result.Parts) > 0 {
			id = result.Parts[0]
		}
		next(w, withPrincipal(r, principal{ID: id, Parts: result.Parts}))
	}
}

// rateLimited enforces bucket against the caller's client IP (or, when
// byPrincipal is true, the authenticated principal id — requireToken must
// run first), replying with the §7 rate-limited envelope on denial.
func rateLimited(limiter *ratelimit.Limiter, bucket string, byPrincipal bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if byPrincipal {
			if p, ok := principalFromContext(r.Context()); ok {
				key = p.ID
			}
		}
		if !limiter.Admit(bucket, key) {
			writeEnvelopeOrStatus(w, apierr.New(apierr.RateLimited, "rate limited"), nil)
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withCORS wraps the whole mux, grounded on the teacher's middlewareCORS:
// gridkeep's public edge, like ownworld's, is a browser-callable JSON API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
