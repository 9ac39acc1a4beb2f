package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/borrowdesk/locatefee/internal/domain"
)

const apiKeyHeader = "X-API-Key"

// correlationMiddleware accepts the caller's X-Correlation-ID or
// generates one, stores it in the request context and echoes it on the
// response.
func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return s.withCorrelation(next)
}

func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(domain.CorrelationHeader)
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(domain.CorrelationHeader, cid)
		next.ServeHTTP(w, r.WithContext(domain.WithCorrelationID(r.Context(), cid)))
	})
}

// loggingMiddleware emits one structured event per request and feeds
// the duration histogram.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.observe != nil {
			s.observe.ObserveRequest(route, strconv.Itoa(ww.status), elapsed)
		}
		log.Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.status).
			Dur("elapsed", elapsed).
			Str("correlation_id", domain.CorrelationID(r.Context())).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// authMiddleware enforces the API key. An empty key list disables auth,
// for local development only.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.APIKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(apiKeyHeader)
		for _, k := range s.cfg.APIKeys {
			if key == k {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, r, domain.E(domain.CodeUnauthorized, "missing or invalid API key"))
	})
}

// keyLimiters holds one token bucket per API key.
type keyLimiters struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byKey map[string]*rate.Limiter
}

func newKeyLimiters(rps float64, burst int) *keyLimiters {
	if burst < 1 {
		burst = 1
	}
	return &keyLimiters{
		rps:   rate.Limit(rps),
		burst: burst,
		byKey: make(map[string]*rate.Limiter),
	}
}

func (l *keyLimiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.byKey[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.byKey[key] = lim
	}
	return lim
}

// rateLimitMiddleware enforces the per-key token bucket, answering 429
// with Retry-After when the bucket is empty.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiters == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(apiKeyHeader)
		if key == "" {
			key = r.RemoteAddr
		}
		lim := s.limiters.get(key)
		if !lim.Allow() {
			// Time until one token refills, rounded up.
			secs := 1
			if s.limiters.rps > 0 {
				if d := time.Duration(float64(time.Second) / float64(s.limiters.rps)); d > time.Second {
					secs = int(d.Seconds()) + 1
				}
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.writeError(w, r, domain.E(domain.CodeRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
