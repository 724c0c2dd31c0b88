package api

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quantsail/internal/repo"
	"quantsail/pkg/types"
)

// bearerToken pulls the token from the Authorization header, falling back to
// the ?token= query parameter for websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// authenticate resolves the request's bearer token to a user. Tokens are
// stored hashed, so lookup is by sha256.
func (s *Server) authenticate(r *http.Request) (*repo.User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	user, err := s.repo.UserByTokenHash(r.Context(), hashToken(token))
	if err != nil {
		return nil, errors.New("unknown token")
	}
	return user, nil
}

// canOperate gates lifecycle, kill-switch, key, user and news-ingest writes.
func canOperate(role types.Role) bool {
	switch role {
	case types.RoleOwner, types.RoleCEO, types.RoleAdmin:
		return true
	}
	return false
}

// canStream gates the live event stream.
func canStream(role types.Role) bool {
	switch role {
	case types.RoleOwner, types.RoleCEO, types.RoleDeveloper:
		return true
	}
	return false
}

// withAuth wraps a private handler with bearer authentication.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, *repo.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeAuthRequired, err.Error())
			return
		}
		next(w, r, user)
	}
}

// withOperator additionally requires an operator role.
func (s *Server) withOperator(next func(http.ResponseWriter, *http.Request, *repo.User)) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, user *repo.User) {
		if !canOperate(user.Role) {
			writeError(w, http.StatusForbidden, CodeRBACForbidden, "insufficient role")
			return
		}
		next(w, r, user)
	})
}

// ————————————————————————————————————————————————————————————————————————
// Public rate limiting
// ————————————————————————————————————————————————————————————————————————

// ipLimiter hands out one token bucket per client IP. Buckets idle past the
// prune window are dropped so the map stays bounded.
type ipLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*ipBucket
	perMin   int
	lastSeen time.Duration
}

type ipBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		buckets:  make(map[string]*ipBucket),
		perMin:   perMinute,
		lastSeen: 10 * time.Minute,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)}
		l.buckets[ip] = b
	}
	b.seen = time.Now()

	if len(l.buckets) > 1024 {
		l.prune()
	}
	return b.limiter.Allow()
}

func (l *ipLimiter) prune() {
	cutoff := time.Now().Add(-l.lastSeen)
	for ip, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// withRateLimit wraps a public handler with the per-IP limiter.
func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}
