// Package session хранит токен сессии пользователя в cookie текущего запроса.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"
)

// CookieName задаёт фиксированное несекретное имя cookie сессии.
const CookieName = "storefront_session"

// DefaultTTL задаёт срок жизни токена сессии по умолчанию.
const DefaultTTL = 90 * 24 * time.Hour

// Jar хранит токен сессии и явно передаётся в каждое действие.
type Jar interface {
	// Token возвращает токен сессии; false означает, что пользователь не аутентифицирован.
	Token() (string, bool)
	// Set сохраняет токен с указанным сроком действия, заменяя предыдущий.
	Set(token string, expires time.Time)
	// Delete удаляет токен и завершает сессию.
	Delete()
}

// Store описывает параметры cookie сессии.
type Store struct {
	name   string
	ttl    time.Duration
	secure bool
}

// NewStore создаёт хранилище сессии с фиксированным именем cookie.
func NewStore(ttl time.Duration, secure bool) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		name:   CookieName,
		ttl:    ttl,
		secure: secure,
	}
}

// TTL возвращает срок жизни токена.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Secure сообщает, выставляются ли cookie только для HTTPS.
func (s *Store) Secure() bool {
	return s.secure
}

// Bind привязывает хранилище к паре запрос/ответ. Jar не должен переживать запрос.
func (s *Store) Bind(w http.ResponseWriter, r *http.Request) *CookieJar {
	jar := &CookieJar{store: s, w: w}
	if r != nil {
		if c, err := r.Cookie(s.name); err == nil && c.Value != "" {
			jar.token = c.Value
			jar.has = true
		}
	}
	return jar
}

// CookieJar реализует Jar поверх cookie одного HTTP-запроса.
type CookieJar struct {
	store *Store
	w     http.ResponseWriter
	token string
	has   bool
}

// Token возвращает токен из cookie запроса либо установленный в этом запросе.
func (j *CookieJar) Token() (string, bool) {
	return j.token, j.has
}

// Set записывает cookie сессии в ответ.
func (j *CookieJar) Set(token string, expires time.Time) {
	j.mustWriter()
	http.SetCookie(j.w, &http.Cookie{
		Name:     j.store.name,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   j.store.secure,
		SameSite: http.SameSiteLaxMode,
	})
	j.token = token
	j.has = token != ""
}

// Delete удаляет cookie сессии.
func (j *CookieJar) Delete() {
	j.mustWriter()
	http.SetCookie(j.w, &http.Cookie{
		Name:     j.store.name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   j.store.secure,
		SameSite: http.SameSiteLaxMode,
	})
	j.token = ""
	j.has = false
}

func (j *CookieJar) mustWriter() {
	if j.w == nil {
		panic("session: cookie jar is not bound to a response")
	}
}

// MemoryJar хранит токен в памяти. Используется вне HTTP-запроса и в тестах.
type MemoryJar struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewMemoryJar создаёт jar с уже известным токеном; пустой токен означает отсутствие сессии.
func NewMemoryJar(token string) *MemoryJar {
	return &MemoryJar{token: token}
}

// Token возвращает сохранённый токен.
func (j *MemoryJar) Token() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.token, j.token != ""
}

// Set сохраняет токен.
func (j *MemoryJar) Set(token string, expires time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token = token
	j.expires = expires
}

// Delete удаляет токен.
func (j *MemoryJar) Delete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token = ""
	j.expires = time.Time{}
}

// Expires возвращает срок действия сохранённого токена.
func (j *MemoryJar) Expires() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.expires
}

// Scope вычисляет область кэша представлений для токена. Сам токен в ключи кэша не попадает.
func Scope(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// ScopeOf возвращает область кэша для jar либо пустую строку без сессии.
func ScopeOf(jar Jar) string {
	if jar == nil {
		return ""
	}
	token, ok := jar.Token()
	if !ok {
		return ""
	}
	return Scope(token)
}

type contextKey string

const jarKey contextKey = "sessionJar"

// WithJar кладёт jar в контекст запроса.
func WithJar(ctx context.Context, jar Jar) context.Context {
	return context.WithValue(ctx, jarKey, jar)
}

// JarFromContext извлекает jar из контекста запроса.
func JarFromContext(ctx context.Context) (Jar, bool) {
	jar, ok := ctx.Value(jarKey).(Jar)
	return jar, ok
}
