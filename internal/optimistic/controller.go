// Package optimistic ведёт клиентское состояние количества пиццы в корзине:
// подтверждённое значение, ожидание ответа бэкенда и неуспех.
package optimistic

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mmeshcher/pizza-storefront/internal/apperr"
	"github.com/mmeshcher/pizza-storefront/internal/model"
	"github.com/mmeshcher/pizza-storefront/internal/revalidate"
	"github.com/mmeshcher/pizza-storefront/internal/service"
	"github.com/mmeshcher/pizza-storefront/internal/session"
)

// Phase описывает фазу элемента управления.
type Phase int

const (
	// Committed: показывается подтверждённое количество.
	Committed Phase = iota
	// Pending: мутация в полёте, вместо количества показывается индикатор.
	Pending
	// Failed: мутация не удалась, количество прежнее.
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "committed"
	}
}

// AddToCartLabel задаёт подпись кнопки при нулевом количестве.
const AddToCartLabel = "Add to cart"

// State описывает состояние одного элемента управления.
type State struct {
	Phase Phase `json:"phase"`
	// Последнее подтверждённое количество.
	Quantity int           `json:"quantity"`
	Err      *apperr.Error `json:"-"`
}

// Display описывает то, что должен отрисовать элемент управления.
type Display struct {
	// Показывать кнопки -/+ вместо кнопки добавления.
	Stepper bool   `json:"stepper"`
	Spinner bool   `json:"spinner"`
	Label   string `json:"label,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Display переводит состояние в отображение. Промежуточное число никогда не показывается.
func (s State) Display() Display {
	d := Display{Stepper: s.Quantity > 0}
	if s.Phase == Pending {
		d.Spinner = true
		return d
	}
	if s.Quantity > 0 {
		d.Label = strconv.Itoa(s.Quantity)
	} else {
		d.Label = AddToCartLabel
	}
	if s.Phase == Failed && s.Err != nil {
		d.Error = s.Err.Message
	}
	return d
}

// CartActions описывает действия диспетчера, которыми пользуется контроллер.
type CartActions interface {
	AddToCart(ctx context.Context, jar session.Jar, pizzaID string) service.Result[service.None]
	RemoveFromCart(ctx context.Context, jar session.Jar, pizzaID string) service.Result[service.None]
	GetCart(ctx context.Context, jar session.Jar) service.Result[model.Cart]
}

// Recorder учитывает нажатия, присоединённые к выполняющейся мутации.
type Recorder interface {
	RecordCoalesced()
}

// Outcome описывает результат нажатия.
type Outcome struct {
	State State
	// Переход на вход вместо мутации.
	Redirect string
	// Нажатие присоединилось к уже выполняющейся мутации этого элемента.
	Coalesced bool
	Err       *apperr.Error
}

// DefaultIdleTTL задаёт время простоя, после которого состояние элемента забывается.
// Забытый элемент снова получает количество из следующего чтения корзины.
const DefaultIdleTTL = time.Hour

type control struct {
	state   State
	touched time.Time
}

// Controller хранит состояния элементов управления всех сессий.
// Для одного элемента одновременно выполняется не больше одной мутации.
type Controller struct {
	actions  CartActions
	logger   *zap.Logger
	recorder Recorder
	idleTTL  time.Duration
	now      func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	states map[string]control
}

// NewController создаёт контроллер поверх действий корзины.
func NewController(actions CartActions, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		actions: actions,
		logger:  logger,
		idleTTL: DefaultIdleTTL,
		now:     time.Now,
		states:  make(map[string]control),
	}
}

// WithRecorder подключает учёт присоединённых нажатий.
func (c *Controller) WithRecorder(r Recorder) *Controller {
	c.recorder = r
	return c
}

// WithIdleTTL задаёт, через сколько простоя состояние элемента забывается.
func (c *Controller) WithIdleTTL(ttl time.Duration) *Controller {
	if ttl > 0 {
		c.idleTTL = ttl
	}
	return c
}

func controlKey(scope, pizzaID string) string {
	return scope + "/" + pizzaID
}

// State возвращает состояние элемента. Для неизвестного элемента это Committed(0).
func (c *Controller) State(scope, pizzaID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[controlKey(scope, pizzaID)].state
}

// put сохраняет состояние элемента. Вызывается под c.mu.
func (c *Controller) put(key string, st State) {
	c.states[key] = control{state: st, touched: c.now()}
}

// Sync принимает подтверждённые количества из прочитанной корзины.
// Элементы в полёте не трогаются.
func (c *Controller) Sync(scope string, cart model.Cart) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := scope + "/"
	for key, ctl := range c.states {
		if ctl.state.Phase != Pending && strings.HasPrefix(key, prefix) {
			c.put(key, State{Phase: Committed})
		}
	}
	for _, item := range cart.Items {
		key := controlKey(scope, item.PizzaID())
		if c.states[key].state.Phase == Pending {
			continue
		}
		c.put(key, State{Phase: Committed, Quantity: cart.Quantity(item.PizzaID())})
	}
}

// Forget удаляет состояния сессии, например после выхода.
func (c *Controller) Forget(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := scope + "/"
	for key := range c.states {
		if strings.HasPrefix(key, prefix) {
			delete(c.states, key)
		}
	}
}

// Cleanup забывает элементы, не менявшиеся дольше idleTTL.
// Элементы с мутацией в полёте остаются.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, ctl := range c.states {
		if ctl.state.Phase != Pending && now.Sub(ctl.touched) > c.idleTTL {
			delete(c.states, key)
		}
	}
}

// Run периодически вызывает Cleanup до закрытия done.
func (c *Controller) Run(done <-chan struct{}) {
	interval := c.idleTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-done:
			return
		}
	}
}

// Increment добавляет одну пиццу.
func (c *Controller) Increment(ctx context.Context, jar session.Jar, pizzaID string) Outcome {
	return c.mutate(ctx, jar, pizzaID, c.actions.AddToCart)
}

// Decrement убирает одну пиццу.
func (c *Controller) Decrement(ctx context.Context, jar session.Jar, pizzaID string) Outcome {
	return c.mutate(ctx, jar, pizzaID, c.actions.RemoveFromCart)
}

type mutation func(ctx context.Context, jar session.Jar, pizzaID string) service.Result[service.None]

func (c *Controller) mutate(ctx context.Context, jar session.Jar, pizzaID string, op mutation) Outcome {
	token, ok := "", false
	if jar != nil {
		token, ok = jar.Token()
	}
	if !ok {
		return Outcome{Redirect: revalidate.ViewSignIn}
	}

	scope := session.Scope(token)
	key := controlKey(scope, pizzaID)

	// Мутация не отменяется, если клиент первого нажатия отключился:
	// её результат ждут и присоединившиеся нажатия.
	flightCtx := context.WithoutCancel(ctx)

	leader := false
	v, _, _ := c.group.Do(key, func() (any, error) {
		leader = true
		return c.run(flightCtx, jar, key, pizzaID, op), nil
	})

	out := v.(Outcome)
	if !leader {
		out.Coalesced = true
		if c.recorder != nil {
			c.recorder.RecordCoalesced()
		}
		c.logger.Debug("click joined in-flight mutation", zap.String("pizza", pizzaID))
	}
	return out
}

// run проводит элемент через Pending к Committed или Failed.
func (c *Controller) run(ctx context.Context, jar session.Jar, key, pizzaID string, op mutation) Outcome {
	last := c.begin(key)

	res := op(ctx, jar, pizzaID)
	if res.SignInRequired {
		st := c.settle(key, State{Phase: Committed, Quantity: last})
		return Outcome{State: st, Redirect: res.Redirect}
	}
	if res.Err != nil {
		st := c.settle(key, State{Phase: Failed, Quantity: last, Err: res.Err})
		return Outcome{State: st, Err: res.Err}
	}

	cart := c.actions.GetCart(ctx, jar)
	if cart.Err != nil {
		c.logger.Warn("cart refresh after mutation failed", zap.String("pizza", pizzaID), zap.Error(cart.Err))
		st := c.settle(key, State{Phase: Failed, Quantity: last, Err: cart.Err})
		return Outcome{State: st, Err: cart.Err}
	}

	st := c.settle(key, State{Phase: Committed, Quantity: cart.Data.Quantity(pizzaID)})
	return Outcome{State: st}
}

func (c *Controller) begin(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.states[key].state.Quantity
	c.put(key, State{Phase: Pending, Quantity: last})
	return last
}

func (c *Controller) settle(key string, st State) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(key, st)
	return st
}
