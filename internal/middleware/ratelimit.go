package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mmeshcher/pizza-storefront/internal/session"
)

// RateLimiterConfig содержит параметры ограничения мутаций.
type RateLimiterConfig struct {
	// Число мутаций в минуту на сессию; 0 отключает ограничение.
	PerMinute int
	Burst     int
	// Через сколько простоя запись о клиенте удаляется.
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter ограничивает частоту мутаций для каждой сессии.
// Анонимные клиенты различаются по адресу.
type RateLimiter struct {
	config RateLimiterConfig
	limit  rate.Limit
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter создаёт ограничитель.
func NewRateLimiter(config RateLimiterConfig, logger *zap.Logger) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = config.PerMinute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		config:  config,
		limit:   rate.Limit(float64(config.PerMinute) / 60.0),
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Middleware отклоняет запросы сверх лимита с 429 Too Many Requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.config.PerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := clientKey(r)
		if !rl.limiterFor(key).Allow() {
			rl.logger.Warn("rate limit exceeded", zap.String("client", key), zap.String("path", r.URL.Path))
			writeRateLimitResponse(w, rl.limit)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Clients возвращает число отслеживаемых клиентов.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Cleanup удаляет клиентов, простаивающих дольше IdleTTL.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, c := range rl.clients {
		if now.Sub(c.lastAccess) > rl.config.IdleTTL {
			delete(rl.clients, key)
		}
	}
}

// Run периодически вызывает Cleanup до закрытия done.
func (rl *RateLimiter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(rl.config.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-done:
			return
		}
	}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.config.Burst)}
		rl.clients[key] = c
	}
	c.lastAccess = rl.now()
	return c.limiter
}

func clientKey(r *http.Request) string {
	if jar, ok := session.JarFromContext(r.Context()); ok {
		if scope := session.ScopeOf(jar); scope != "" {
			return "session:" + scope
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func writeRateLimitResponse(w http.ResponseWriter, limit rate.Limit) {
	retryAfter := 1
	if limit > 0 {
		retryAfter = int(math.Ceil(1.0 / float64(limit)))
	}
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "fail",
		"message": "too many requests, please retry later",
	})
}
