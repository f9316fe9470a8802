// Package revalidate инвалидирует закэшированные представления после подтверждённой мутации
// и определяет переход, который должен выполнить клиент.
package revalidate

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pizza-storefront/internal/cache"
)

// Ключи представлений. Инвалидируются точные пути, а не целые пространства.
const (
	ViewHome      = "/"
	ViewAccount   = "/account"
	ViewProfile   = "/account/profile"
	ViewOrders    = "/account/orders"
	ViewCart      = "/cart"
	ViewSuccess   = "/cart/checkout/success"
	ViewSignIn    = "/access"
	viewOrderEdit = "/account/orders/edit/"
	viewPizza     = "/menu/"
	viewCheckout  = "/cart/checkout/"
)

// OrderEditView возвращает ключ представления редактирования заказа.
func OrderEditView(orderID string) string {
	return viewOrderEdit + orderID
}

// PizzaView возвращает ключ карточки пиццы.
func PizzaView(pizzaID string) string {
	return viewPizza + pizzaID
}

// CheckoutView возвращает ключ представления способа оплаты.
func CheckoutView(isPaid bool) string {
	if isPaid {
		return viewCheckout + "online"
	}
	return viewCheckout + "offline"
}

// ViewCache описывает хранилище представлений.
type ViewCache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Recorder учитывает инвалидации. Используется для метрик.
type Recorder interface {
	RecordInvalidation(view string, err error)
}

// Plan описывает побочные эффекты подтверждённой мутации.
type Plan struct {
	// Scope задаёт область кэша сессии, в которой выполнена мутация.
	Scope      string
	Invalidate []string
	Navigate   string
}

// generationStripes задаёт число счётчиков поколений. Совпадение полос
// приводит лишь к лишнему промаху кэша.
const generationStripes = 256

// Coordinator применяет планы ревалидации.
type Coordinator struct {
	views    ViewCache
	logger   *zap.Logger
	recorder Recorder

	// Поколения представлений: Invalidate увеличивает счётчик, и чтение,
	// начатое до инвалидации, уже не может записать свой результат.
	gens [generationStripes]atomic.Uint64
}

// NewCoordinator создаёт координатор поверх кэша представлений.
func NewCoordinator(views ViewCache, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{views: views, logger: logger}
}

// WithRecorder подключает учёт инвалидаций.
func (c *Coordinator) WithRecorder(r Recorder) *Coordinator {
	c.recorder = r
	return c
}

// Apply инвалидирует представления плана и возвращает цель перехода.
// Ошибка инвалидации не отменяет уже подтверждённую мутацию и только логируется.
func (c *Coordinator) Apply(ctx context.Context, plan Plan) string {
	for _, view := range plan.Invalidate {
		err := c.Invalidate(ctx, plan.Scope, view)
		if c.recorder != nil {
			c.recorder.RecordInvalidation(view, err)
		}
		if err != nil {
			c.logger.Warn("view invalidation failed",
				zap.String("view", view),
				zap.Error(err),
			)
		}
	}
	return plan.Navigate
}

func (c *Coordinator) generation(scope, view string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cache.Key(scope, view)))
	return &c.gens[h.Sum32()%generationStripes]
}

// Generation возвращает текущее поколение представления.
// Его нужно получить до чтения из бэкенда и передать в Store.
func (c *Coordinator) Generation(scope, view string) uint64 {
	return c.generation(scope, view).Load()
}

// Invalidate помечает представление устаревшим для области сессии.
func (c *Coordinator) Invalidate(ctx context.Context, scope, view string) error {
	c.generation(scope, view).Add(1)
	if c.views == nil {
		return nil
	}
	return c.views.Invalidate(ctx, cache.Key(scope, view))
}

// Load читает представление из кэша.
func (c *Coordinator) Load(ctx context.Context, scope, view string, out any) bool {
	if c.views == nil || scope == "" {
		return false
	}
	found, err := c.views.Get(ctx, cache.Key(scope, view), out)
	if err != nil {
		c.logger.Warn("view cache read failed", zap.String("view", view), zap.Error(err))
		return false
	}
	return found
}

// Store кладёт свежепрочитанное представление в кэш, если с момента gen
// представление не инвалидировалось. Инвалидация во время записи удаляет
// только что записанное значение.
func (c *Coordinator) Store(ctx context.Context, scope, view string, gen uint64, value any, ttl time.Duration) {
	if c.views == nil || scope == "" {
		return
	}

	g := c.generation(scope, view)
	if g.Load() != gen {
		c.logger.Debug("stale view read not cached", zap.String("view", view))
		return
	}

	key := cache.Key(scope, view)
	if err := c.views.Set(ctx, key, value, ttl); err != nil {
		c.logger.Warn("view cache write failed", zap.String("view", view), zap.Error(err))
		return
	}

	if g.Load() != gen {
		if err := c.views.Invalidate(ctx, key); err != nil {
			c.logger.Warn("view invalidation failed", zap.String("view", view), zap.Error(err))
		}
	}
}
