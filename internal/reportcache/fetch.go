package reportcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotCached is returned by Refresh when the producer succeeded but the
// result could not be written.
var ErrNotCached = errors.New("reportcache: result not cached")

// Producer computes a report payload
type Producer func(ctx context.Context) ([]byte, error)

// Request describes a cacheable report call
type Request struct {
	Endpoint string
	Params   map[string]any
	// Category defaults to the one derived from Endpoint
	Category   string
	AgencyID   string
	TimeWindow string
	TTLHours   int
	Preloaded  bool
}

// Key returns the canonical cache key of the request
func (r Request) Key() string {
	return CacheKey(r.Endpoint, r.Params)
}

func (r Request) category() string {
	if r.Category != "" {
		return r.Category
	}
	return CategoryFromEndpoint(r.Endpoint)
}

func (r Request) save(key string, payload []byte) SaveRequest {
	return SaveRequest{
		Key:        key,
		Payload:    payload,
		Category:   r.category(),
		AgencyID:   r.AgencyID,
		TimeWindow: r.TimeWindow,
		TTLHours:   r.TTLHours,
		Preloaded:  r.Preloaded,
	}
}

// Fetch returns the cached payload for req, or calls produce on a miss and
// writes the result back. Concurrent misses for one key share a single
// producer call, which runs detached from the caller that started it and is
// bounded by Options.FetchTimeout. A caller whose ctx ends stops waiting; the
// others still get the result. A failed write still returns the produced
// payload; a producer error is returned as is and nothing is cached.
func (s *Service) Fetch(ctx context.Context, req Request, produce Producer) ([]byte, bool, error) {
	key := req.Key()
	if payload, ok := s.GetCached(ctx, key); ok {
		s.metrics.Fetches.WithLabelValues("hit").Inc()
		return payload, true, nil
	}

	ch := s.inflight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()

		// a flight that finished between our miss and DoChan has already written
		if payload, ok := s.GetCached(fctx, key); ok {
			return fetched{payload: payload, hit: true}, nil
		}
		payload, err := produce(fctx)
		if err != nil {
			return nil, err
		}
		if !s.SaveCached(fctx, req.save(key, payload)) {
			s.logger.Warn("serving uncached result", zap.String("cache_key", key))
		}
		return fetched{payload: payload}, nil
	})

	var r singleflight.Result
	select {
	case <-ctx.Done():
		s.metrics.Fetches.WithLabelValues("abandoned").Inc()
		return nil, false, ctx.Err()
	case r = <-ch:
	}
	if r.Err != nil {
		s.metrics.Fetches.WithLabelValues("producer_error").Inc()
		return nil, false, r.Err
	}

	res := r.Val.(fetched)
	switch {
	case res.hit:
		s.metrics.Fetches.WithLabelValues("hit").Inc()
	case r.Shared:
		s.metrics.Fetches.WithLabelValues("shared").Inc()
	default:
		s.metrics.Fetches.WithLabelValues("produced").Inc()
	}
	return res.payload, res.hit, nil
}

type fetched struct {
	payload []byte
	hit     bool
}

// Refresh calls produce and writes the result without consulting the cache
func (s *Service) Refresh(ctx context.Context, req Request, produce Producer) ([]byte, error) {
	key := req.Key()
	payload, err := produce(ctx)
	if err != nil {
		return nil, err
	}
	if !s.SaveCached(ctx, req.save(key, payload)) {
		return payload, fmt.Errorf("%w: %s", ErrNotCached, key)
	}
	return payload, nil
}

// FetchJSON is Fetch for a JSON encoded result type. A cached payload that no
// longer decodes into T is recomputed.
func FetchJSON[T any](ctx context.Context, s *Service, req Request, produce func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T

	if payload, ok := s.GetCached(ctx, req.Key()); ok {
		var v T
		if err := json.Unmarshal(payload, &v); err == nil {
			s.metrics.Fetches.WithLabelValues("hit").Inc()
			return v, true, nil
		}
		s.logger.Warn("cached payload does not decode, recomputing", zap.String("cache_key", req.Key()))
	}

	var produced T
	_, err := s.Refresh(ctx, req, func(ctx context.Context) ([]byte, error) {
		v, err := produce(ctx)
		if err != nil {
			return nil, err
		}
		produced = v
		return json.Marshal(v)
	})
	if err != nil && !errors.Is(err, ErrNotCached) {
		return zero, false, err
	}
	s.metrics.Fetches.WithLabelValues("produced").Inc()
	return produced, false, nil
}
