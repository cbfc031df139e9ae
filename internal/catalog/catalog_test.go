package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

type countingSource struct {
	mu       sync.Mutex
	products map[string]domain.Product
	reads    atomic.Int32
	gate     chan struct{}
}

func (s *countingSource) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]domain.Product
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]domain.Product)}
}

func (c *mapCache) Get(_ context.Context, key string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *mapCache) Set(_ context.Context, key string, value *domain.Product, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func milk(price string) domain.Product {
	return domain.Product{ID: "prd-milk", SKU: "MILK", Name: "Milk", Unit: domain.UnitVolume, Price: decimal.RequireFromString(price), Active: true}
}

func TestProductReadsThroughCache(t *testing.T) {
	source := &countingSource{products: map[string]domain.Product{"prd-milk": milk("1.10")}}
	c := New(source, newMapCache(), time.Minute)

	for i := 0; i < 3; i++ {
		p, err := c.Product(context.Background(), "prd-milk")
		require.NoError(t, err)
		assert.True(t, p.Price.Equal(decimal.RequireFromString("1.10")))
	}
	assert.EqualValues(t, 1, source.reads.Load())
}

func TestInvalidateDropsStaleEntry(t *testing.T) {
	source := &countingSource{products: map[string]domain.Product{"prd-milk": milk("1.10")}}
	c := New(source, newMapCache(), time.Minute)

	_, err := c.Product(context.Background(), "prd-milk")
	require.NoError(t, err)

	source.mu.Lock()
	source.products["prd-milk"] = milk("1.35")
	source.mu.Unlock()
	c.Invalidate(context.Background(), "prd-milk")

	p, err := c.Product(context.Background(), "prd-milk")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("1.35")))
}

func TestProductsSkipsUnknownIDs(t *testing.T) {
	source := &countingSource{products: map[string]domain.Product{"prd-milk": milk("1.10")}}
	c := New(source, nil, 0)

	got, err := c.Products(context.Background(), []string{"prd-milk", "prd-missing", "prd-milk"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "prd-milk")
}

func TestConcurrentMissesShareOneRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &countingSource{
		products: map[string]domain.Product{"prd-milk": milk("1.10")},
		gate:     make(chan struct{}),
	}
	c := New(source, newMapCache(), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Product(context.Background(), "prd-milk")
			assert.NoError(t, err)
		}()
	}
	// Give the callers time to pile up behind the first read.
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	assert.LessOrEqual(t, source.reads.Load(), int32(8))
	assert.GreaterOrEqual(t, source.reads.Load(), int32(1))
}

func TestInvalidateDuringReadKeepsStaleProductOutOfCache(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &countingSource{
		products: map[string]domain.Product{"prd-milk": milk("1.10")},
		gate:     make(chan struct{}),
	}
	entries := newMapCache()
	c := New(source, entries, time.Minute)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.Product(context.Background(), "prd-milk")
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return source.reads.Load() == 1 }, time.Second, time.Millisecond)

	source.mu.Lock()
	source.products["prd-milk"] = milk("1.35")
	source.mu.Unlock()
	c.Invalidate(context.Background(), "prd-milk")
	close(source.gate)
	<-done

	_, cached, err := entries.Get(context.Background(), cacheKey("prd-milk"))
	require.NoError(t, err)
	assert.False(t, cached)

	p, err := c.Product(context.Background(), "prd-milk")
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.RequireFromString("1.35")))
	assert.EqualValues(t, 2, source.reads.Load())
}

func TestCancelledCallerDoesNotFailSharedRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := &countingSource{
		products: map[string]domain.Product{"prd-milk": milk("1.10")},
		gate:     make(chan struct{}),
	}
	c := New(source, newMapCache(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = c.Product(ctx, "prd-milk")
	}()
	require.Eventually(t, func() bool { return source.reads.Load() == 1 }, time.Second, time.Millisecond)

	var (
		got    domain.Product
		gotErr error
	)
	go func() {
		defer wg.Done()
		got, gotErr = c.Product(context.Background(), "prd-milk")
	}()
	// Let the second caller join the in-flight read before the first leaves.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(source.gate)
	wg.Wait()

	require.NoError(t, gotErr)
	assert.True(t, got.Price.Equal(decimal.RequireFromString("1.10")))
}
