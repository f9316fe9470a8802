package optimistic

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pizza-storefront/internal/apperr"
	"github.com/mmeshcher/pizza-storefront/internal/model"
	"github.com/mmeshcher/pizza-storefront/internal/revalidate"
	"github.com/mmeshcher/pizza-storefront/internal/service"
	"github.com/mmeshcher/pizza-storefront/internal/session"
)

// stubCart имитирует корзину на бэкенде.
type stubCart struct {
	mu         sync.Mutex
	quantities map[string]int

	adds    atomic.Int32
	removes atomic.Int32

	mutateErr *apperr.Error
	readErr   *apperr.Error

	// gate блокирует мутацию до закрытия канала.
	gate chan struct{}
}

func newStubCart() *stubCart {
	return &stubCart{quantities: make(map[string]int)}
}

func (s *stubCart) wait() {
	if s.gate != nil {
		<-s.gate
	}
}

func canceled(ctx context.Context) *apperr.Error {
	if err := ctx.Err(); err != nil {
		return &apperr.Error{Kind: apperr.NetworkUnreachable, Message: err.Error(), Err: err}
	}
	return nil
}

func (s *stubCart) AddToCart(ctx context.Context, jar session.Jar, pizzaID string) service.Result[service.None] {
	s.adds.Add(1)
	s.wait()
	if err := canceled(ctx); err != nil {
		return service.Result[service.None]{Err: err}
	}
	if s.mutateErr != nil {
		return service.Result[service.None]{Err: s.mutateErr}
	}
	s.mu.Lock()
	s.quantities[pizzaID]++
	s.mu.Unlock()
	return service.Result[service.None]{}
}

func (s *stubCart) RemoveFromCart(ctx context.Context, jar session.Jar, pizzaID string) service.Result[service.None] {
	s.removes.Add(1)
	s.wait()
	if s.mutateErr != nil {
		return service.Result[service.None]{Err: s.mutateErr}
	}
	s.mu.Lock()
	if s.quantities[pizzaID] > 0 {
		s.quantities[pizzaID]--
	}
	s.mu.Unlock()
	return service.Result[service.None]{}
}

func (s *stubCart) GetCart(ctx context.Context, jar session.Jar) service.Result[model.Cart] {
	if err := canceled(ctx); err != nil {
		return service.Result[model.Cart]{Err: err}
	}
	if s.readErr != nil {
		return service.Result[model.Cart]{Err: s.readErr}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var cart model.Cart
	for id, q := range s.quantities {
		if q > 0 {
			cart.Items = append(cart.Items, model.CartItem{Pizza: model.Pizza{ID: id}, Quantity: q})
		}
	}
	return service.Result[model.Cart]{Data: cart}
}

type countingRecorder struct {
	n atomic.Int32
}

func (r *countingRecorder) RecordCoalesced() {
	r.n.Add(1)
}

func TestIncrement_FromZeroShowsQuantityOnlyAfterCommit(t *testing.T) {
	cart := newStubCart()
	cart.gate = make(chan struct{})
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")
	scope := session.Scope("tok")

	assert.Equal(t, AddToCartLabel, c.State(scope, "p1").Display().Label)

	done := make(chan Outcome, 1)
	go func() {
		done <- c.Increment(context.Background(), jar, "p1")
	}()

	require.Eventually(t, func() bool {
		return c.State(scope, "p1").Phase == Pending
	}, time.Second, 5*time.Millisecond)

	pending := c.State(scope, "p1")
	assert.Equal(t, 0, pending.Quantity)
	d := pending.Display()
	assert.True(t, d.Spinner)
	assert.False(t, d.Stepper)
	assert.Empty(t, d.Label)

	close(cart.gate)
	out := <-done

	require.Nil(t, out.Err)
	assert.Equal(t, Committed, out.State.Phase)
	assert.Equal(t, 1, out.State.Quantity)
	assert.Equal(t, "1", c.State(scope, "p1").Display().Label)
	assert.True(t, c.State(scope, "p1").Display().Stepper)
}

func TestIncrement_FailureLeavesAddToCart(t *testing.T) {
	cart := newStubCart()
	cart.mutateErr = &apperr.Error{Kind: apperr.UpstreamHTTP, Status: 500, Message: "backend responded with status 500"}
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")

	out := c.Increment(context.Background(), jar, "p1")

	require.NotNil(t, out.Err)
	assert.Equal(t, Failed, out.State.Phase)
	assert.Equal(t, 0, out.State.Quantity)

	d := c.State(session.Scope("tok"), "p1").Display()
	assert.Equal(t, AddToCartLabel, d.Label)
	assert.False(t, d.Spinner)
	assert.Equal(t, "backend responded with status 500", d.Error)
}

func TestDecrement_FromOneReturnsToAddToCart(t *testing.T) {
	cart := newStubCart()
	cart.quantities["p1"] = 1
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")
	scope := session.Scope("tok")

	c.Sync(scope, cart.GetCart(context.Background(), jar).Data)
	require.Equal(t, 1, c.State(scope, "p1").Quantity)

	out := c.Decrement(context.Background(), jar, "p1")

	require.Nil(t, out.Err)
	assert.Equal(t, Committed, out.State.Phase)
	assert.Equal(t, 0, out.State.Quantity)
	assert.False(t, c.State(scope, "p1").Display().Spinner)
	assert.Equal(t, AddToCartLabel, c.State(scope, "p1").Display().Label)
}

func TestUnauthenticated_RedirectsWithoutMutation(t *testing.T) {
	cart := newStubCart()
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("")

	inc := c.Increment(context.Background(), jar, "p1")
	dec := c.Decrement(context.Background(), jar, "p1")

	assert.Equal(t, revalidate.ViewSignIn, inc.Redirect)
	assert.Equal(t, revalidate.ViewSignIn, dec.Redirect)
	assert.Equal(t, int32(0), cart.adds.Load())
	assert.Equal(t, int32(0), cart.removes.Load())
}

func TestConcurrentClicksOnSameControl_SingleFlight(t *testing.T) {
	cart := newStubCart()
	cart.gate = make(chan struct{})
	rec := &countingRecorder{}
	c := NewController(cart, nil).WithRecorder(rec)
	jar := session.NewMemoryJar("tok")
	scope := session.Scope("tok")

	first := make(chan Outcome, 1)
	go func() {
		first <- c.Increment(context.Background(), jar, "p1")
	}()

	require.Eventually(t, func() bool {
		return c.State(scope, "p1").Phase == Pending
	}, time.Second, 5*time.Millisecond)

	second := make(chan Outcome, 1)
	go func() {
		second <- c.Increment(context.Background(), jar, "p1")
	}()

	time.Sleep(50 * time.Millisecond)
	close(cart.gate)

	a := <-first
	b := <-second

	assert.Equal(t, int32(1), cart.adds.Load())
	assert.False(t, a.Coalesced)
	assert.True(t, b.Coalesced)
	assert.Equal(t, 1, a.State.Quantity)
	assert.Equal(t, 1, b.State.Quantity)
	assert.Equal(t, int32(1), rec.n.Load())
}

func TestDifferentControlsRunConcurrently(t *testing.T) {
	cart := newStubCart()
	cart.gate = make(chan struct{})
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")
	scope := session.Scope("tok")

	var wg sync.WaitGroup
	for _, id := range []string{"p1", "p2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.Increment(context.Background(), jar, id)
		}(id)
	}

	require.Eventually(t, func() bool {
		return c.State(scope, "p1").Phase == Pending && c.State(scope, "p2").Phase == Pending
	}, time.Second, 5*time.Millisecond)

	close(cart.gate)
	wg.Wait()

	assert.Equal(t, int32(2), cart.adds.Load())
	assert.Equal(t, 1, c.State(scope, "p1").Quantity)
	assert.Equal(t, 1, c.State(scope, "p2").Quantity)
}

func TestRefreshFailureKeepsLastCommitted(t *testing.T) {
	cart := newStubCart()
	cart.readErr = &apperr.Error{Kind: apperr.NetworkUnreachable, Message: "backend is unreachable"}
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")

	out := c.Increment(context.Background(), jar, "p1")

	require.NotNil(t, out.Err)
	assert.Equal(t, Failed, out.State.Phase)
	assert.Equal(t, 0, out.State.Quantity)
}

func TestSyncAndForget(t *testing.T) {
	c := NewController(newStubCart(), nil)

	c.Sync("s1", model.Cart{Items: []model.CartItem{
		{Pizza: model.Pizza{ID: "p1"}, Quantity: 3},
		{Pizza: model.Pizza{ID: "p2"}, Quantity: 1},
	}})
	assert.Equal(t, 3, c.State("s1", "p1").Quantity)

	c.Sync("s1", model.Cart{Items: []model.CartItem{{Pizza: model.Pizza{ID: "p1"}, Quantity: 2}}})
	assert.Equal(t, 2, c.State("s1", "p1").Quantity)
	assert.Equal(t, 0, c.State("s1", "p2").Quantity)

	c.Forget("s1")
	assert.Equal(t, State{}, c.State("s1", "p1"))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "committed", Committed.String())
	assert.Equal(t, "pending", Pending.String())
	assert.Equal(t, "failed", Failed.String())
}

func TestIncrement_CompletesAfterClientGone(t *testing.T) {
	cart := newStubCart()
	c := NewController(cart, nil)
	jar := session.NewMemoryJar("tok")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Increment(ctx, jar, "p1")

	require.Nil(t, out.Err)
	assert.Equal(t, Committed, out.State.Phase)
	assert.Equal(t, 1, out.State.Quantity)
}

func TestCleanup_ForgetsIdleControls(t *testing.T) {
	now := time.Now()
	c := NewController(newStubCart(), nil).WithIdleTTL(time.Minute)
	c.now = func() time.Time { return now }

	c.Sync("s1", model.Cart{Items: []model.CartItem{{Pizza: model.Pizza{ID: "p1"}, Quantity: 2}}})
	c.Sync("s2", model.Cart{Items: []model.CartItem{{Pizza: model.Pizza{ID: "p1"}, Quantity: 1}}})

	c.mu.Lock()
	c.put(controlKey("s3", "p1"), State{Phase: Pending, Quantity: 4})
	c.mu.Unlock()

	now = now.Add(30 * time.Second)
	c.Sync("s2", model.Cart{Items: []model.CartItem{{Pizza: model.Pizza{ID: "p1"}, Quantity: 1}}})

	now = now.Add(45 * time.Second)
	c.Cleanup()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotContains(t, c.states, controlKey("s1", "p1"))
	assert.Contains(t, c.states, controlKey("s2", "p1"))
	assert.Contains(t, c.states, controlKey("s3", "p1"), "pending control must survive cleanup")
	assert.Len(t, c.states, 2)
}

func TestRun_StopsOnDone(t *testing.T) {
	c := NewController(newStubCart(), nil)
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		c.Run(done)
		close(stopped)
	}()
	close(done)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
