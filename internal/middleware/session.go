// Package middleware содержит HTTP middleware витрины.
package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/mmeshcher/pizza-storefront/internal/apperr"
	"github.com/mmeshcher/pizza-storefront/internal/session"
)

// Session привязывает cookie сессии к запросу и кладёт Jar в контекст.
// Отсутствие сессии не является ошибкой: решение принимают действия.
func Session(store *session.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			jar := store.Bind(w, r)
			next.ServeHTTP(w, r.WithContext(session.WithJar(r.Context(), jar)))
		})
	}
}

// RequireSession отвечает 401 на запросы без токена сессии, не вызывая бэкенд.
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jar, ok := session.JarFromContext(r.Context())
		if ok {
			if _, has := jar.Token(); has {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "fail",
			"kind":    apperr.LocalValidation.String(),
			"message": apperr.ErrNotAuthenticated.Error(),
		})
	})
}
