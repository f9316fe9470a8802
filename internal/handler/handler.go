// Package handler содержит HTTP-обработчики витрины пиццерии.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/pizza-storefront/internal/apperr"
	"github.com/mmeshcher/pizza-storefront/internal/middleware"
	"github.com/mmeshcher/pizza-storefront/internal/model"
	"github.com/mmeshcher/pizza-storefront/internal/optimistic"
	"github.com/mmeshcher/pizza-storefront/internal/service"
	"github.com/mmeshcher/pizza-storefront/internal/session"
	"github.com/mmeshcher/pizza-storefront/internal/signin"
)

// Service определяет действия пользователя, доступные через HTTP.
type Service interface {
	Signup(ctx context.Context, jar session.Jar, in model.SignupRequest) service.Result[service.None]
	Login(ctx context.Context, jar session.Jar, in model.Credentials) service.Result[service.None]
	LoginWithProvider(ctx context.Context, jar session.Jar, id model.ExternalIdentity) service.Result[service.None]
	Logout(ctx context.Context, jar session.Jar) service.Result[service.None]
	GetMe(ctx context.Context, jar session.Jar) service.Result[model.UserProfile]
	UpdateMe(ctx context.Context, jar session.Jar, in model.UserProfile) service.Result[model.UserProfile]
	GetCart(ctx context.Context, jar session.Jar) service.Result[model.Cart]
	ClearCart(ctx context.Context, jar session.Jar, cartID string) service.Result[service.None]
	RatePizza(ctx context.Context, jar session.Jar, pizzaID string, rating int) service.Result[service.None]
	CreateOrder(ctx context.Context, jar session.Jar, in model.NewOrder) service.Result[model.Order]
	GetOrders(ctx context.Context, jar session.Jar) service.Result[[]model.Order]
	GetOrder(ctx context.Context, jar session.Jar, orderID string) service.Result[model.Order]
	UpdateOrder(ctx context.Context, jar session.Jar, orderID string, patch model.OrderPatch) service.Result[service.None]
	CancelOrder(ctx context.Context, jar session.Jar, orderID string) service.Result[service.None]
}

// CartControls описывает элементы управления количеством пиццы.
type CartControls interface {
	State(scope, pizzaID string) optimistic.State
	Sync(scope string, cart model.Cart)
	Forget(scope string)
	Increment(ctx context.Context, jar session.Jar, pizzaID string) optimistic.Outcome
	Decrement(ctx context.Context, jar session.Jar, pizzaID string) optimistic.Outcome
}

const (
	stateCookieName = "storefront_oauth_state"
	stateCookieTTL  = 10 * time.Minute
	maxBodySize     = 1 << 20
)

var errInvalidBody = errors.New("invalid request body")

// Handler реализует HTTP-обработчики витрины.
type Handler struct {
	service   Service
	controls  CartControls
	providers *signin.Registry
	store     *session.Store
	logger    *zap.Logger

	limiter *middleware.RateLimiter
	metrics http.Handler
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, controls CartControls, providers *signin.Registry, store *session.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:   s,
		controls:  controls,
		providers: providers,
		store:     store,
		logger:    logger,
	}
}

// WithRateLimiter ограничивает частоту мутаций.
func (h *Handler) WithRateLimiter(rl *middleware.RateLimiter) *Handler {
	h.limiter = rl
	return h
}

// WithMetrics публикует метрики по /metrics.
func (h *Handler) WithMetrics(m http.Handler) *Handler {
	h.metrics = m
	return h
}

type successResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

type redirectResponse struct {
	Redirect string `json:"redirect"`
	Data     any    `json:"data,omitempty"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRedirect(w http.ResponseWriter, target string, data any) {
	w.Header().Set("Location", target)
	writeJSON(w, http.StatusSeeOther, redirectResponse{Redirect: target, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, e *apperr.Error) {
	status := apperr.HTTPStatus(e)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("kind", e.Kind.String()),
			zap.Error(e))
	}
	writeJSON(w, status, errorResponse{
		Status:  "fail",
		Kind:    e.Kind.String(),
		Message: e.Message,
	})
}

// respond переводит результат действия в HTTP-ответ.
func respond[T any](h *Handler, w http.ResponseWriter, r *http.Request, res service.Result[T]) {
	switch {
	case res.Err != nil:
		h.writeError(w, r, res.Err)
	case res.Redirect != "":
		var data any
		if !res.SignInRequired {
			data = res.Data
		}
		writeRedirect(w, res.Redirect, data)
	default:
		writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: res.Data})
	}
}

func decodeJSON(r *http.Request, v any) *apperr.Error {
	defer r.Body.Close()

	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		return apperr.LocalErr(errInvalidBody)
	}
	return nil
}

func jarOf(r *http.Request) session.Jar {
	if jar, ok := session.JarFromContext(r.Context()); ok {
		return jar
	}
	return session.NewMemoryJar("")
}

// Signup регистрирует пользователя.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req model.SignupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(h, w, r, h.service.Signup(r.Context(), jarOf(r), req))
}

// Login выполняет вход по email и паролю.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req model.Credentials
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(h, w, r, h.service.Login(r.Context(), jarOf(r), req))
}

// Logout завершает сессию.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	jar := jarOf(r)
	scope := session.ScopeOf(jar)

	res := h.service.Logout(r.Context(), jar)
	if scope != "" {
		h.controls.Forget(scope)
	}
	respond(h, w, r, res)
}

// BeginSignIn отправляет пользователя к выбранному провайдеру входа.
func (h *Handler) BeginSignIn(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Lookup(chi.URLParam(r, "provider"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "fail", Kind: apperr.LocalValidation.String(), Message: err.Error()})
		return
	}

	target, err := p.BeginSignIn(r.Context(), r.URL.Query().Get("redirect"))
	if err != nil {
		h.logger.Warn("begin sign-in failed", zap.String("provider", p.Name()), zap.Error(err))
		h.writeError(w, r, apperr.Local("sign-in with "+p.Name()+" is not available"))
		return
	}

	if _, ok := p.(signin.Completer); ok {
		h.setStateCookie(w, target)
	}
	writeRedirect(w, target, nil)
}

func (h *Handler) setStateCookie(w http.ResponseWriter, authURL string) {
	u, err := url.Parse(authURL)
	if err != nil {
		return
	}
	nonce, _ := signin.SplitState(u.Query().Get("state"))
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    nonce,
		Path:     "/auth/callback",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.store.Secure(),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookieName,
		Value:  "",
		Path:   "/auth/callback",
		MaxAge: -1,
	})
}

// Callback завершает вход через внешнего провайдера.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	completer, err := h.providers.Completer(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Status: "fail", Kind: apperr.LocalValidation.String(), Message: err.Error()})
		return
	}

	q := r.URL.Query()
	if q.Get("error") != "" {
		clearStateCookie(w)
		h.writeError(w, r, apperr.Local("sign-in was cancelled"))
		return
	}

	nonce, target := signin.SplitState(q.Get("state"))
	cookie, err := r.Cookie(stateCookieName)
	if err != nil || nonce == "" || cookie.Value != nonce {
		h.writeError(w, r, apperr.Local("invalid sign-in state"))
		return
	}
	clearStateCookie(w)

	identity, err := completer.Complete(r.Context(), q.Get("code"))
	if err != nil {
		h.logger.Warn("provider sign-in failed", zap.String("provider", name), zap.Error(err))
		h.writeError(w, r, &apperr.Error{
			Kind:    apperr.UpstreamHTTP,
			Status:  http.StatusBadGateway,
			Message: "sign-in with " + name + " failed",
			Err:     err,
		})
		return
	}

	res := h.service.LoginWithProvider(r.Context(), jarOf(r), identity)
	if res.OK() && isLocalPath(target) {
		res.Redirect = target
	}
	respond(h, w, r, res)
}

// isLocalPath пропускает только пути витрины, без схемы и хоста.
func isLocalPath(target string) bool {
	return strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.Contains(target, "\\")
}

// GetMe возвращает профиль текущего пользователя.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, h.service.GetMe(r.Context(), jarOf(r)))
}

// UpdateMe изменяет профиль текущего пользователя.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req model.UserProfile
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(h, w, r, h.service.UpdateMe(r.Context(), jarOf(r), req))
}

// GetCart возвращает корзину и синхронизирует элементы управления.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	jar := jarOf(r)
	res := h.service.GetCart(r.Context(), jar)
	if res.OK() {
		if scope := session.ScopeOf(jar); scope != "" {
			h.controls.Sync(scope, res.Data)
		}
	}
	respond(h, w, r, res)
}

// ClearCart удаляет корзину целиком.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	jar := jarOf(r)
	res := h.service.ClearCart(r.Context(), jar, chi.URLParam(r, "cartID"))
	if res.OK() {
		h.controls.Sync(session.ScopeOf(jar), model.Cart{})
	}
	respond(h, w, r, res)
}

type controlResponse struct {
	PizzaID   string             `json:"pizzaId"`
	Phase     string             `json:"phase"`
	Quantity  int                `json:"quantity"`
	Coalesced bool               `json:"coalesced,omitempty"`
	Display   optimistic.Display `json:"display"`
}

func newControlResponse(pizzaID string, st optimistic.State, coalesced bool) controlResponse {
	return controlResponse{
		PizzaID:   pizzaID,
		Phase:     st.Phase.String(),
		Quantity:  st.Quantity,
		Coalesced: coalesced,
		Display:   st.Display(),
	}
}

// ControlState возвращает состояние элемента управления пиццы.
func (h *Handler) ControlState(w http.ResponseWriter, r *http.Request) {
	pizzaID := chi.URLParam(r, "pizzaID")
	st := h.controls.State(session.ScopeOf(jarOf(r)), pizzaID)
	writeJSON(w, http.StatusOK, successResponse{Status: "success", Data: newControlResponse(pizzaID, st, false)})
}

// Increment добавляет пиццу в корзину.
func (h *Handler) Increment(w http.ResponseWriter, r *http.Request) {
	pizzaID := chi.URLParam(r, "pizzaID")
	h.writeOutcome(w, r, pizzaID, h.controls.Increment(r.Context(), jarOf(r), pizzaID))
}

// Decrement убирает пиццу из корзины.
func (h *Handler) Decrement(w http.ResponseWriter, r *http.Request) {
	pizzaID := chi.URLParam(r, "pizzaID")
	h.writeOutcome(w, r, pizzaID, h.controls.Decrement(r.Context(), jarOf(r), pizzaID))
}

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, pizzaID string, out optimistic.Outcome) {
	switch {
	case out.Redirect != "":
		writeRedirect(w, out.Redirect, nil)
	case out.Err != nil:
		h.writeError(w, r, out.Err)
	default:
		writeJSON(w, http.StatusOK, successResponse{
			Status: "success",
			Data:   newControlResponse(pizzaID, out.State, out.Coalesced),
		})
	}
}

type ratingRequest struct {
	Rating int `json:"rating"`
}

// RatePizza выставляет оценку пицце.
func (h *Handler) RatePizza(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	respond(h, w, r, h.service.RatePizza(r.Context(), jarOf(r), chi.URLParam(r, "pizzaID"), req.Rating))
}

// CreateOrder оформляет заказ из корзины.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req model.NewOrder
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	jar := jarOf(r)
	res := h.service.CreateOrder(r.Context(), jar, req)
	if res.OK() {
		h.controls.Sync(session.ScopeOf(jar), model.Cart{})
	}
	respond(h, w, r, res)
}

// GetOrders возвращает заказы пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, h.service.GetOrders(r.Context(), jarOf(r)))
}

// GetOrder возвращает заказ по идентификатору.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, h.service.GetOrder(r.Context(), jarOf(r), chi.URLParam(r, "orderID")))
}

type orderPatchRequest struct {
	Phone   string        `json:"phone"`
	Address model.Address `json:"address"`
	Text    string        `json:"text"`
}

// UpdateOrder изменяет заказ.
func (h *Handler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	var req orderPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	patch := model.OrderPatch{Phone: req.Phone, Address: req.Address, Text: req.Text}
	respond(h, w, r, h.service.UpdateOrder(r.Context(), jarOf(r), chi.URLParam(r, "orderID"), patch))
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	respond(h, w, r, h.service.CancelOrder(r.Context(), jarOf(r), chi.URLParam(r, "orderID")))
}
