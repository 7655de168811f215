// Package exec wraps a venue with bounded-retry, idempotent order placement.
// A client order id maps to at most one venue order across retries and
// process restarts; typed venue rejections are surfaced immediately rather
// than retried.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dn-cycle-bot/internal/state"
	"dn-cycle-bot/internal/venue"

	"go.uber.org/zap"
)

const (
	maxAttempts    = 5
	initialBackoff = 200 * time.Millisecond
)

type Executor struct {
	v     venue.Venue
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]venue.OrderHandle
}

func New(v venue.Venue, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		v:     v,
		store: store,
		log:   log,
		cache: make(map[string]venue.OrderHandle),
	}
}

func (e *Executor) Venue() venue.Venue { return e.v }

// PlaceOrder places req on the venue. When req.ClientOrderID is set, a repeat
// call with the same id returns the previously placed order instead of
// placing a second one, consulting the durable store so the guarantee
// survives restarts.
func (e *Executor) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + e.v.Name() + ":" + req.ClientOrderID
	e.mu.Lock()
	if handle, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return handle, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if id, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return venue.OrderHandle{}, err
		} else if ok {
			handle := venue.OrderHandle{Venue: e.v.Name(), ID: id, ClientOrderID: req.ClientOrderID}
			e.remember(cacheKey, handle)
			return handle, nil
		}
	}
	handle, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return venue.OrderHandle{}, err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, handle.ID); err != nil {
			e.log.Warn("failed to persist order id", zap.String("cloid", req.ClientOrderID), zap.Error(err))
		}
	}
	e.remember(cacheKey, handle)
	return handle, nil
}

func (e *Executor) CancelOrder(ctx context.Context, handle venue.OrderHandle) error {
	return e.retry(ctx, func() error {
		return e.v.CancelOrder(ctx, handle)
	})
}

func (e *Executor) remember(key string, handle venue.OrderHandle) {
	e.mu.Lock()
	e.cache[key] = handle
	e.mu.Unlock()
}

func (e *Executor) placeWithRetry(ctx context.Context, req venue.OrderRequest) (venue.OrderHandle, error) {
	var handle venue.OrderHandle
	err := e.retry(ctx, func() error {
		var err error
		handle, err = e.v.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return venue.OrderHandle{}, err
	}
	if handle.ID == "" {
		return venue.OrderHandle{}, errors.New("empty order id")
	}
	return handle, nil
}

// retry loops with exponential backoff on transient errors. Typed rejections
// other than rate limiting are terminal: the caller decides the fallback.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if venue.IsRejection(err) && !venue.IsRateLimited(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("retry failed: %w", lastErr)
}
