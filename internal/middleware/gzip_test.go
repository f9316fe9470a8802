package middleware

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func gzipBytes(t *testing.T, raw string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(raw)); err != nil {
		t.Fatalf("write gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return &buf
}

func gunzip(t *testing.T, r io.Reader) []byte {
	t.Helper()

	zr, err := gzip.NewReader(r)
	if err != nil {
		t.Fatalf("new gzip reader: %v", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("read gzip: %v", err)
	}
	return out
}

type addToCartBody struct {
	Pizza    string `json:"pizza"`
	Quantity int    `json:"quantity"`
}

// cartEcho разбирает тело добавления в корзину и отвечает им же в конверте success.
func cartEcho(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in addToCartBody
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "999")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "success", "data": in})
	})
}

func TestGzipMiddleware_CompressedCartRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/cart/items/p1/increment", gzipBytes(t, `{"pizza":"p1","quantity":1}`))
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	GzipMiddleware(cartEcho(t)).ServeHTTP(w, req)

	res := w.Result()
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d want %d", res.StatusCode, http.StatusOK)
	}
	if ce := res.Header.Get("Content-Encoding"); ce != "gzip" {
		t.Fatalf("content-encoding: got %q want gzip", ce)
	}
	if vary := res.Header.Get("Vary"); vary != "Accept-Encoding" {
		t.Fatalf("vary: got %q", vary)
	}
	if cl := res.Header.Get("Content-Length"); cl != "" {
		t.Fatalf("content-length must be dropped for compressed body, got %q", cl)
	}

	var out struct {
		Status string        `json:"status"`
		Data   addToCartBody `json:"data"`
	}
	if err := json.Unmarshal(gunzip(t, res.Body), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Status != "success" || out.Data.Pizza != "p1" || out.Data.Quantity != 1 {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func TestGzipMiddleware_PlainClientGetsPlainJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/cart/items/p2/increment", strings.NewReader(`{"pizza":"p2","quantity":1}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	GzipMiddleware(cartEcho(t)).ServeHTTP(w, req)

	if ce := w.Header().Get("Content-Encoding"); ce != "" {
		t.Fatalf("content-encoding: got %q want none", ce)
	}
	if !strings.Contains(w.Body.String(), `"pizza":"p2"`) {
		t.Fatalf("body %q is not plain JSON", w.Body.String())
	}
}

func TestGzipMiddleware_InvalidBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	w := httptest.NewRecorder()

	called := false
	h := GzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Fatalf("next handler should not be called")
	}
}
