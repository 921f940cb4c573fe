// Package ratelimit throttles ingest requests per client.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxClients bounds the number of per-client limiters kept.
const maxClients = 4096

// Limiter applies a global token bucket plus one bucket per client.
type Limiter struct {
	mu           sync.RWMutex
	limiter      *rate.Limiter
	perClient    *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int

	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewLimiter creates a limiter admitting requestsPerSecond overall and per
// client, with the given burst.
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	clients, _ := lru.New[string, *rate.Limiter](maxClients)
	return &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		perClient:    clients,
		defaultRate:  rate.Limit(requestsPerSecond),
		defaultBurst: burst,
	}
}

// Allow checks the global bucket without blocking.
func (l *Limiter) Allow() bool {
	return l.record(l.limiter.Allow())
}

// AllowClient checks the client's bucket, then the global one. A client
// over its share never consumes global tokens.
func (l *Limiter) AllowClient(client string) bool {
	if !l.clientLimiter(client).Allow() {
		return l.record(false)
	}
	return l.record(l.limiter.Allow())
}

func (l *Limiter) clientLimiter(client string) *rate.Limiter {
	if lim, ok := l.perClient.Get(client); ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.perClient.Get(client); ok {
		return lim
	}
	lim := rate.NewLimiter(l.defaultRate, l.defaultBurst)
	l.perClient.Add(client, lim)
	return lim
}

func (l *Limiter) record(ok bool) bool {
	if ok {
		l.allowed.Add(1)
	} else {
		l.rejected.Add(1)
	}
	return ok
}

// SetClientRate sets a custom rate for one client.
func (l *Limiter) SetClientRate(client string, requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perClient.Add(client, rate.NewLimiter(rate.Limit(requestsPerSecond), burst))
}

// SetRate updates the global rate and the default for new clients.
func (l *Limiter) SetRate(requestsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
	l.limiter.SetBurst(burst)
	l.defaultRate = rate.Limit(requestsPerSecond)
	l.defaultBurst = burst
}

// Middleware rejects requests over the limit with 429 Too Many Requests.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.AllowClient(ClientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by remote IP.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Stats returns rate limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LimiterStats{
		ClientCount:  l.perClient.Len(),
		DefaultRate:  float64(l.defaultRate),
		DefaultBurst: l.defaultBurst,
		Allowed:      l.allowed.Load(),
		Rejected:     l.rejected.Load(),
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	ClientCount  int     `json:"client_count"`
	DefaultRate  float64 `json:"default_rate"`
	DefaultBurst int     `json:"default_burst"`
	Allowed      int64   `json:"allowed"`
	Rejected     int64   `json:"rejected"`
}
