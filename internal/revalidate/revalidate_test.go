package revalidate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pizza-storefront/internal/cache"
)

type failingCache struct {
	*cache.Memory
}

func (f failingCache) Invalidate(ctx context.Context, key string) error {
	return errors.New("redis down")
}

type countingRecorder struct {
	ok, failed int
}

func (r *countingRecorder) RecordInvalidation(view string, err error) {
	if err != nil {
		r.failed++
		return
	}
	r.ok++
}

func TestApply_InvalidatesExactKeysInScope(t *testing.T) {
	views := cache.NewMemory()
	ctx := context.Background()

	require.NoError(t, views.Set(ctx, cache.Key("u1", ViewOrders), "orders", time.Minute))
	require.NoError(t, views.Set(ctx, cache.Key("u1", OrderEditView("o1")), "edit-o1", time.Minute))
	require.NoError(t, views.Set(ctx, cache.Key("u1", OrderEditView("o2")), "edit-o2", time.Minute))
	require.NoError(t, views.Set(ctx, cache.Key("u2", ViewOrders), "other-user", time.Minute))

	rec := &countingRecorder{}
	c := NewCoordinator(views, nil).WithRecorder(rec)

	target := c.Apply(ctx, Plan{
		Scope:      "u1",
		Invalidate: []string{OrderEditView("o1"), ViewOrders},
		Navigate:   ViewOrders,
	})
	assert.Equal(t, ViewOrders, target)
	assert.Equal(t, 2, rec.ok)

	var out string
	assert.False(t, c.Load(ctx, "u1", ViewOrders, &out))
	assert.False(t, c.Load(ctx, "u1", OrderEditView("o1"), &out))
	assert.True(t, c.Load(ctx, "u1", OrderEditView("o2"), &out))
	assert.True(t, c.Load(ctx, "u2", ViewOrders, &out))
}

func TestApply_InvalidationErrorDoesNotBlockNavigation(t *testing.T) {
	rec := &countingRecorder{}
	c := NewCoordinator(failingCache{cache.NewMemory()}, nil).WithRecorder(rec)

	target := c.Apply(context.Background(), Plan{
		Scope:      "u1",
		Invalidate: []string{ViewCart},
		Navigate:   ViewSuccess,
	})

	assert.Equal(t, ViewSuccess, target)
	assert.Equal(t, 1, rec.failed)
}

func TestStoreAndLoad(t *testing.T) {
	c := NewCoordinator(cache.NewMemory(), nil)
	ctx := context.Background()

	c.Store(ctx, "u1", ViewProfile, c.Generation("u1", ViewProfile), map[string]string{"email": "a@b.cd"}, time.Minute)

	var out map[string]string
	require.True(t, c.Load(ctx, "u1", ViewProfile, &out))
	assert.Equal(t, "a@b.cd", out["email"])

	c.Store(ctx, "", ViewProfile, 0, "anonymous", time.Minute)
	var anon string
	assert.False(t, c.Load(ctx, "", ViewProfile, &anon))
}

func TestStore_SkipsReadStartedBeforeInvalidation(t *testing.T) {
	c := NewCoordinator(cache.NewMemory(), nil)
	ctx := context.Background()

	gen := c.Generation("u1", ViewCart)
	c.Apply(ctx, Plan{Scope: "u1", Invalidate: []string{ViewCart}})
	c.Store(ctx, "u1", ViewCart, gen, "before-add", time.Minute)

	var out string
	assert.False(t, c.Load(ctx, "u1", ViewCart, &out))

	c.Store(ctx, "u1", ViewCart, c.Generation("u1", ViewCart), "after-add", time.Minute)
	require.True(t, c.Load(ctx, "u1", ViewCart, &out))
	assert.Equal(t, "after-add", out)
}

// lateWriteCache завершает инвалидацию раньше, чем запись достигает хранилища.
type lateWriteCache struct {
	*cache.Memory
	coord *Coordinator
}

func (c lateWriteCache) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if err := c.coord.Invalidate(ctx, "u1", ViewCart); err != nil {
		return err
	}
	return c.Memory.Set(ctx, key, value, expiration)
}

func TestStore_InvalidationDuringWriteDropsValue(t *testing.T) {
	mem := cache.NewMemory()
	c := NewCoordinator(nil, nil)
	c.views = lateWriteCache{Memory: mem, coord: c}
	ctx := context.Background()

	c.Store(ctx, "u1", ViewCart, c.Generation("u1", ViewCart), "racing", time.Minute)

	var out string
	found, err := mem.Get(ctx, cache.Key("u1", ViewCart), &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestViewKeys(t *testing.T) {
	assert.Equal(t, "/account/orders/edit/42", OrderEditView("42"))
	assert.Equal(t, "/menu/p1", PizzaView("p1"))
	assert.Equal(t, "/cart/checkout/online", CheckoutView(true))
	assert.Equal(t, "/cart/checkout/offline", CheckoutView(false))
}
