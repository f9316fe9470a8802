// Package service реализует диспетчер действий пользователя: каждая мутация превращается
// в аутентифицированный вызов бэкенда, классифицированный исход и эффекты ревалидации.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pizza-storefront/internal/apperr"
	"github.com/mmeshcher/pizza-storefront/internal/backend"
	"github.com/mmeshcher/pizza-storefront/internal/model"
	"github.com/mmeshcher/pizza-storefront/internal/revalidate"
	"github.com/mmeshcher/pizza-storefront/internal/session"
	"github.com/mmeshcher/pizza-storefront/internal/validation"
)

// Backend описывает контракт HTTP-клиента бэкенда, используемый диспетчером.
type Backend interface {
	Call(ctx context.Context, method, path, token string, body any) (*backend.Response, error)
}

// Revalidator описывает кэш представлений и применение планов ревалидации.
type Revalidator interface {
	Apply(ctx context.Context, plan revalidate.Plan) string
	Load(ctx context.Context, scope, view string, out any) bool
	Generation(scope, view string) uint64
	Store(ctx context.Context, scope, view string, gen uint64, value any, ttl time.Duration)
}

// Recorder учитывает исходы действий.
type Recorder interface {
	RecordAction(action, outcome string)
}

// Имена действий для логов и метрик.
const (
	ActionSignup         = "signup"
	ActionLogin          = "login"
	ActionProviderLogin  = "provider_login"
	ActionLogout         = "logout"
	ActionGetMe          = "get_me"
	ActionUpdateMe       = "update_me"
	ActionGetCart        = "get_cart"
	ActionAddToCart      = "add_to_cart"
	ActionRemoveFromCart = "remove_from_cart"
	ActionClearCart      = "clear_cart"
	ActionRatePizza      = "rate_pizza"
	ActionCreateOrder    = "create_order"
	ActionGetOrders      = "get_orders"
	ActionGetOrder       = "get_order"
	ActionUpdateOrder    = "update_order"
	ActionCancelOrder    = "cancel_order"
)

const (
	outcomeCommitted      = "committed"
	outcomeSignInRequired = "sign_in_required"
)

// None используется действиями, которые ничего не возвращают.
type None = struct{}

// Result описывает единый результат любого действия.
type Result[T any] struct {
	Data T
	// Представление, на которое клиент должен перейти.
	Redirect string
	// SignInRequired означает, что мутация не выполнялась из-за отсутствия сессии.
	SignInRequired bool
	Err            *apperr.Error
}

// OK сообщает, что действие подтверждено бэкендом.
func (r Result[T]) OK() bool {
	return r.Err == nil && !r.SignInRequired
}

// Options содержит параметры диспетчера.
type Options struct {
	SessionTTL time.Duration
	ViewTTL    time.Duration
}

// Dispatcher служит единой точкой входа для всех действий пользователя.
type Dispatcher struct {
	backend    Backend
	views      Revalidator
	validator  *validation.Validator
	logger     *zap.Logger
	recorder   Recorder
	sessionTTL time.Duration
	viewTTL    time.Duration
	now        func() time.Time
}

// NewDispatcher создаёт диспетчер с указанным клиентом бэкенда и координатором ревалидации.
func NewDispatcher(b Backend, views Revalidator, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = session.DefaultTTL
	}
	if opts.ViewTTL <= 0 {
		opts.ViewTTL = time.Hour
	}
	return &Dispatcher{
		backend:    b,
		views:      views,
		validator:  validation.New(),
		logger:     logger,
		sessionTTL: opts.SessionTTL,
		viewTTL:    opts.ViewTTL,
		now:        time.Now,
	}
}

// WithRecorder подключает учёт исходов действий.
func (d *Dispatcher) WithRecorder(r Recorder) *Dispatcher {
	d.recorder = r
	return d
}

func (d *Dispatcher) record(action, outcome string) {
	if d.recorder != nil {
		d.recorder.RecordAction(action, outcome)
	}
}

func fail[T any](d *Dispatcher, action string, err *apperr.Error) Result[T] {
	d.record(action, err.Kind.String())
	if err.Kind == apperr.LocalValidation {
		d.logger.Debug("action rejected", zap.String("action", action), zap.String("reason", err.Message))
	} else {
		d.logger.Warn("action failed",
			zap.String("action", action),
			zap.String("kind", err.Kind.String()),
			zap.Int("status", err.Status),
			zap.Error(err),
		)
	}
	return Result[T]{Err: err}
}

func signInRequired[T any](d *Dispatcher, action string) Result[T] {
	d.record(action, outcomeSignInRequired)
	return Result[T]{Redirect: revalidate.ViewSignIn, SignInRequired: true}
}

// commit применяет эффекты подтверждённой мутации.
func commit[T any](ctx context.Context, d *Dispatcher, action string, data T, plan revalidate.Plan) Result[T] {
	d.record(action, outcomeCommitted)
	d.logger.Debug("action committed", zap.String("action", action))

	var redirect string
	if d.views != nil {
		redirect = d.views.Apply(ctx, plan)
	} else {
		redirect = plan.Navigate
	}
	return Result[T]{Data: data, Redirect: redirect}
}

// dispatch выполняет вызов и классифицирует исход. Ни одна ошибка транспорта не выходит наружу сырой.
func (d *Dispatcher) dispatch(ctx context.Context, method, path, token string, body any) (*backend.Envelope, *apperr.Error) {
	resp, err := d.backend.Call(ctx, method, path, token, body)
	return apperr.Outcome(resp, err)
}

func (d *Dispatcher) storeSession(jar session.Jar, env *backend.Envelope) *apperr.Error {
	token := env.SessionToken()
	if token == "" {
		return &apperr.Error{Kind: apperr.Unknown, Message: "backend returned no session token"}
	}
	jar.Set(token, d.now().Add(d.sessionTTL))
	return nil
}

// readView читает представление из кэша либо из бэкенда с последующим кэшированием.
func readView[T any](ctx context.Context, d *Dispatcher, action string, jar session.Jar, view, path string, emptyOnFail bool) Result[T] {
	token, ok := jar.Token()
	if !ok {
		return fail[T](d, action, apperr.Unauthenticated())
	}

	scope := session.Scope(token)

	var (
		cached T
		gen    uint64
	)
	if d.views != nil {
		if d.views.Load(ctx, scope, view, &cached) {
			return Result[T]{Data: cached}
		}
		gen = d.views.Generation(scope, view)
	}

	env, cerr := d.dispatch(ctx, http.MethodGet, path, token, nil)
	if cerr != nil {
		if emptyOnFail && cerr.Kind == apperr.UpstreamApplicationFailure {
			var empty T
			return Result[T]{Data: empty}
		}
		return fail[T](d, action, cerr)
	}

	var data T
	if err := env.DecodeDoc(&data); err != nil {
		return fail[T](d, action, apperr.Classify(fmt.Errorf("%s: %w", action, err)))
	}

	if d.views != nil {
		d.views.Store(ctx, scope, view, gen, data, d.viewTTL)
	}
	return Result[T]{Data: data}
}

func (d *Dispatcher) requireToken(jar session.Jar) (string, bool) {
	if jar == nil {
		return "", false
	}
	return jar.Token()
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
	FullName string `json:"fullName,omitempty"`
	Google   bool   `json:"google"`
}

// Signup регистрирует пользователя и сохраняет токен сессии.
func (d *Dispatcher) Signup(ctx context.Context, jar session.Jar, in model.SignupRequest) Result[None] {
	if err := d.validator.Struct(in); err != nil {
		return fail[None](d, ActionSignup, apperr.LocalErr(err))
	}

	env, cerr := d.dispatch(ctx, http.MethodPost, "/auth/signup", "", in)
	if cerr != nil {
		return fail[None](d, ActionSignup, cerr)
	}
	if cerr := d.storeSession(jar, env); cerr != nil {
		return fail[None](d, ActionSignup, cerr)
	}
	return commit(ctx, d, ActionSignup, None{}, revalidate.Plan{})
}

// Login аутентифицирует пользователя по email и паролю и сохраняет токен сессии.
// При неуспехе токен не сохраняется.
func (d *Dispatcher) Login(ctx context.Context, jar session.Jar, in model.Credentials) Result[None] {
	if err := d.validator.Struct(in); err != nil {
		return fail[None](d, ActionLogin, apperr.LocalErr(err))
	}

	env, cerr := d.dispatch(ctx, http.MethodPost, "/auth/login", "", loginRequest{
		Email:    in.Email,
		Password: in.Password,
		Google:   false,
	})
	if cerr != nil {
		return fail[None](d, ActionLogin, cerr)
	}
	if cerr := d.storeSession(jar, env); cerr != nil {
		return fail[None](d, ActionLogin, cerr)
	}
	return commit(ctx, d, ActionLogin, None{}, revalidate.Plan{})
}

// LoginWithProvider обменивает подтверждённую внешним провайдером личность на сессию бэкенда.
func (d *Dispatcher) LoginWithProvider(ctx context.Context, jar session.Jar, id model.ExternalIdentity) Result[None] {
	if id.Email == "" {
		return fail[None](d, ActionProviderLogin, apperr.Local("identity provider returned no email"))
	}

	env, cerr := d.dispatch(ctx, http.MethodPost, "/auth/login", "", loginRequest{
		Email:    id.Email,
		FullName: id.Name,
		Google:   true,
	})
	if cerr != nil {
		return fail[None](d, ActionProviderLogin, cerr)
	}
	if cerr := d.storeSession(jar, env); cerr != nil {
		return fail[None](d, ActionProviderLogin, cerr)
	}
	return commit(ctx, d, ActionProviderLogin, None{}, revalidate.Plan{Navigate: revalidate.ViewAccount})
}

// Logout удаляет токен сессии и сбрасывает представления пользователя.
func (d *Dispatcher) Logout(ctx context.Context, jar session.Jar) Result[None] {
	scope := session.ScopeOf(jar)
	if jar != nil {
		jar.Delete()
	}

	plan := revalidate.Plan{Navigate: revalidate.ViewHome}
	if scope != "" {
		plan.Scope = scope
		plan.Invalidate = []string{revalidate.ViewProfile, revalidate.ViewCart, revalidate.ViewOrders}
	}
	return commit(ctx, d, ActionLogout, None{}, plan)
}

// GetMe возвращает профиль текущего пользователя.
func (d *Dispatcher) GetMe(ctx context.Context, jar session.Jar) Result[model.UserProfile] {
	if jar == nil {
		return fail[model.UserProfile](d, ActionGetMe, apperr.Unauthenticated())
	}
	return readView[model.UserProfile](ctx, d, ActionGetMe, jar, revalidate.ViewProfile, "/user/me", false)
}

// UpdateMe обновляет профиль. Email и телефон проверяются до сетевого вызова.
func (d *Dispatcher) UpdateMe(ctx context.Context, jar session.Jar, in model.UserProfile) Result[model.UserProfile] {
	token, ok := d.requireToken(jar)
	if !ok {
		return fail[model.UserProfile](d, ActionUpdateMe, apperr.Unauthenticated())
	}

	if !validation.IsValidPhone(in.Phone) {
		return fail[model.UserProfile](d, ActionUpdateMe, apperr.LocalErr(validation.ErrInvalidPhone))
	}
	if err := d.validator.Struct(in); err != nil {
		return fail[model.UserProfile](d, ActionUpdateMe, apperr.LocalErr(err))
	}

	env, cerr := d.dispatch(ctx, http.MethodPatch, "/user/updateMe", token, in)
	if cerr != nil {
		return fail[model.UserProfile](d, ActionUpdateMe, cerr)
	}

	updated := in
	var doc model.UserProfile
	if err := env.DecodeDoc(&doc); err == nil {
		updated = doc
	}

	return commit(ctx, d, ActionUpdateMe, updated, revalidate.Plan{
		Scope:      session.Scope(token),
		Invalidate: []string{revalidate.ViewProfile},
	})
}

// GetCart возвращает корзину. Бэкенд сообщает об отсутствии корзины статусом fail,
// что трактуется как пустая корзина.
func (d *Dispatcher) GetCart(ctx context.Context, jar session.Jar) Result[model.Cart] {
	if jar == nil {
		return fail[model.Cart](d, ActionGetCart, apperr.Unauthenticated())
	}
	return readView[model.Cart](ctx, d, ActionGetCart, jar, revalidate.ViewCart, "/cart/myCart", true)
}

type addToCartRequest struct {
	Pizza    string `json:"pizza"`
	Quantity int    `json:"quantity"`
}

// AddToCart добавляет одну пиццу в корзину. Без сессии возвращает переход на вход.
func (d *Dispatcher) AddToCart(ctx context.Context, jar session.Jar, pizzaID string) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return signInRequired[None](d, ActionAddToCart)
	}
	if pizzaID == "" {
		return fail[None](d, ActionAddToCart, apperr.Local("pizza id is required"))
	}

	_, cerr := d.dispatch(ctx, http.MethodPost, "/cart", token, addToCartRequest{Pizza: pizzaID, Quantity: 1})
	if cerr != nil {
		return fail[None](d, ActionAddToCart, cerr)
	}
	return commit(ctx, d, ActionAddToCart, None{}, cartPlan(token))
}

// RemoveFromCart убирает одну пиццу из корзины. Без сессии возвращает переход на вход.
func (d *Dispatcher) RemoveFromCart(ctx context.Context, jar session.Jar, pizzaID string) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return signInRequired[None](d, ActionRemoveFromCart)
	}
	if pizzaID == "" {
		return fail[None](d, ActionRemoveFromCart, apperr.Local("pizza id is required"))
	}

	_, cerr := d.dispatch(ctx, http.MethodDelete, "/cart/deletePizza/"+url.PathEscape(pizzaID), token, nil)
	if cerr != nil {
		return fail[None](d, ActionRemoveFromCart, cerr)
	}
	return commit(ctx, d, ActionRemoveFromCart, None{}, cartPlan(token))
}

// ClearCart удаляет корзину целиком. Без сессии возвращает переход на вход.
func (d *Dispatcher) ClearCart(ctx context.Context, jar session.Jar, cartID string) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return signInRequired[None](d, ActionClearCart)
	}
	if cartID == "" {
		return fail[None](d, ActionClearCart, apperr.Local("cart id is required"))
	}

	_, cerr := d.dispatch(ctx, http.MethodDelete, "/cart/"+url.PathEscape(cartID), token, nil)
	if cerr != nil {
		return fail[None](d, ActionClearCart, cerr)
	}
	return commit(ctx, d, ActionClearCart, None{}, cartPlan(token))
}

func cartPlan(token string) revalidate.Plan {
	return revalidate.Plan{
		Scope:      session.Scope(token),
		Invalidate: []string{revalidate.ViewCart},
	}
}

// Границы оценки пиццы.
const (
	MinRating = 1
	MaxRating = 5
)

// ErrInvalidRating возвращается для оценки вне диапазона.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

type rateRequest struct {
	Rating int `json:"rating"`
}

// RatePizza отправляет оценку пиццы. Без сессии возвращает переход на вход.
func (d *Dispatcher) RatePizza(ctx context.Context, jar session.Jar, pizzaID string, rating int) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return signInRequired[None](d, ActionRatePizza)
	}
	if pizzaID == "" {
		return fail[None](d, ActionRatePizza, apperr.Local("pizza id is required"))
	}
	if rating < MinRating || rating > MaxRating {
		return fail[None](d, ActionRatePizza, apperr.LocalErr(ErrInvalidRating))
	}

	_, cerr := d.dispatch(ctx, http.MethodPut, "/pizza/"+url.PathEscape(pizzaID), token, rateRequest{Rating: rating})
	if cerr != nil {
		return fail[None](d, ActionRatePizza, cerr)
	}
	return commit(ctx, d, ActionRatePizza, None{}, revalidate.Plan{
		Scope:      session.Scope(token),
		Invalidate: []string{revalidate.PizzaView(pizzaID)},
	})
}

// CreateOrder оформляет заказ и переводит клиента на страницу успеха.
func (d *Dispatcher) CreateOrder(ctx context.Context, jar session.Jar, in model.NewOrder) Result[model.Order] {
	token, ok := d.requireToken(jar)
	if !ok {
		return fail[model.Order](d, ActionCreateOrder, apperr.Unauthenticated())
	}
	if err := d.validator.Struct(in); err != nil {
		return fail[model.Order](d, ActionCreateOrder, apperr.LocalErr(err))
	}
	if !validation.IsValidPhone(in.Phone) {
		return fail[model.Order](d, ActionCreateOrder, apperr.LocalErr(validation.ErrInvalidPhone))
	}

	env, cerr := d.dispatch(ctx, http.MethodPost, "/order", token, in)
	if cerr != nil {
		return fail[model.Order](d, ActionCreateOrder, cerr)
	}

	var order model.Order
	if err := env.DecodeDoc(&order); err != nil {
		d.logger.Debug("created order has no document", zap.Error(err))
	}

	return commit(ctx, d, ActionCreateOrder, order, revalidate.Plan{
		Scope: session.Scope(token),
		Invalidate: []string{
			revalidate.CheckoutView(in.IsPaid),
			revalidate.ViewCart,
			revalidate.ViewOrders,
		},
		Navigate: revalidate.ViewSuccess,
	})
}

// GetOrders возвращает заказы пользователя.
func (d *Dispatcher) GetOrders(ctx context.Context, jar session.Jar) Result[[]model.Order] {
	if jar == nil {
		return fail[[]model.Order](d, ActionGetOrders, apperr.Unauthenticated())
	}
	return readView[[]model.Order](ctx, d, ActionGetOrders, jar, revalidate.ViewOrders, "/order/myOrders", false)
}

// GetOrder возвращает один заказ.
func (d *Dispatcher) GetOrder(ctx context.Context, jar session.Jar, orderID string) Result[model.Order] {
	if jar == nil {
		return fail[model.Order](d, ActionGetOrder, apperr.Unauthenticated())
	}
	if orderID == "" {
		return fail[model.Order](d, ActionGetOrder, apperr.Local("order id is required"))
	}
	return readView[model.Order](ctx, d, ActionGetOrder, jar,
		revalidate.OrderEditView(orderID), "/order/"+url.PathEscape(orderID), false)
}

// orderPatchPayload собирает тело PATCH, отбрасывая пустые поля.
func orderPatchPayload(p model.OrderPatch) map[string]any {
	payload := make(map[string]any)
	if p.Phone != "" {
		payload["phone"] = p.Phone
	}
	if p.Text != "" {
		payload["text"] = p.Text
	}
	if !p.Address.IsEmpty() {
		address := make(map[string]string)
		if p.Address.Street != "" {
			address["street"] = p.Address.Street
		}
		if p.Address.PostalCode != "" {
			address["postalCode"] = p.Address.PostalCode
		}
		if p.Address.Text != "" {
			address["text"] = p.Address.Text
		}
		payload["address"] = address
	}
	return payload
}

// ErrNothingToUpdate возвращается, если все поля изменения заказа пусты.
var ErrNothingToUpdate = errors.New("nothing to update")

// UpdateOrder изменяет заказ и переводит клиента к списку заказов.
func (d *Dispatcher) UpdateOrder(ctx context.Context, jar session.Jar, orderID string, patch model.OrderPatch) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return fail[None](d, ActionUpdateOrder, apperr.Unauthenticated())
	}
	if orderID == "" {
		return fail[None](d, ActionUpdateOrder, apperr.Local("order id is required"))
	}
	if !validation.IsValidPhone(patch.Phone) {
		return fail[None](d, ActionUpdateOrder, apperr.LocalErr(validation.ErrInvalidPhone))
	}

	payload := orderPatchPayload(patch)
	if len(payload) == 0 {
		return fail[None](d, ActionUpdateOrder, apperr.LocalErr(ErrNothingToUpdate))
	}

	_, cerr := d.dispatch(ctx, http.MethodPatch, "/order/"+url.PathEscape(orderID), token, payload)
	if cerr != nil {
		return fail[None](d, ActionUpdateOrder, cerr)
	}
	return commit(ctx, d, ActionUpdateOrder, None{}, revalidate.Plan{
		Scope:      session.Scope(token),
		Invalidate: []string{revalidate.OrderEditView(orderID), revalidate.ViewOrders},
		Navigate:   revalidate.ViewOrders,
	})
}

type cancelRequest struct {
	Canceled bool `json:"canceled"`
}

// CancelOrder отменяет заказ.
func (d *Dispatcher) CancelOrder(ctx context.Context, jar session.Jar, orderID string) Result[None] {
	token, ok := d.requireToken(jar)
	if !ok {
		return fail[None](d, ActionCancelOrder, apperr.Unauthenticated())
	}
	if orderID == "" {
		return fail[None](d, ActionCancelOrder, apperr.Local("order id is required"))
	}

	_, cerr := d.dispatch(ctx, http.MethodPatch, "/order/"+url.PathEscape(orderID), token, cancelRequest{Canceled: true})
	if cerr != nil {
		return fail[None](d, ActionCancelOrder, cerr)
	}
	return commit(ctx, d, ActionCancelOrder, None{}, revalidate.Plan{
		Scope:      session.Scope(token),
		Invalidate: []string{revalidate.OrderEditView(orderID), revalidate.ViewOrders},
	})
}
