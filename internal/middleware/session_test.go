package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mmeshcher/pizza-storefront/internal/session"
)

func TestSession_BindsJarFromCookie(t *testing.T) {
	store := session.NewStore(time.Hour, false)

	var got string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jar, ok := session.JarFromContext(r.Context())
		if !ok {
			t.Fatalf("jar not in context")
		}
		got, _ = jar.Token()
	})

	r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "tok-1"})

	Session(store)(next).ServeHTTP(httptest.NewRecorder(), r)

	if got != "tok-1" {
		t.Fatalf("token = %q, want %q", got, "tok-1")
	}
}

func TestSession_WritesCookieThroughJar(t *testing.T) {
	store := session.NewStore(time.Hour, false)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jar, _ := session.JarFromContext(r.Context())
		jar.Set("fresh", time.Now().Add(time.Hour))
	})

	w := httptest.NewRecorder()
	Session(store)(next).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/login", nil))

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	if cookies[0].Name != session.CookieName || cookies[0].Value != "fresh" {
		t.Fatalf("unexpected cookie %s=%s", cookies[0].Name, cookies[0].Value)
	}
	if !cookies[0].HttpOnly {
		t.Fatalf("session cookie must be HttpOnly")
	}
}

func TestRequireSession(t *testing.T) {
	store := session.NewStore(time.Hour, false)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	h := Session(store)(RequireSession(next))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if called {
		t.Fatalf("next handler should not be called")
	}

	r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.AddCookie(&http.Cookie{Name: session.CookieName, Value: "tok"})
	h.ServeHTTP(httptest.NewRecorder(), r)
	if !called {
		t.Fatalf("next handler was not called")
	}
}
