package model

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures bounded exponential backoff around a Client.
type RetryPolicy struct {
	// MaxRetries is the number of retry attempts after the initial call.
	MaxRetries int
	// BaseDelay is the first backoff delay.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
	// Jitter randomizes each delay within [0.5, 1.5) of its computed value.
	Jitter bool
	// OnRetry observes each retry decision; nil disables the callback.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay computes the backoff for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// Retry wraps client with the given policy. Retries fire on retryable
// ProviderErrors and on ErrEmptyResponse; auth and invalid_request failures
// return immediately. Stream retries cover only stream establishment; once a
// Streamer is returned, mid-stream failures surface to the consumer.
func Retry(client Client, policy RetryPolicy) Client {
	if policy.MaxRetries <= 0 {
		return client
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	return &retryClient{client: client, policy: policy}
}

type retryClient struct {
	client Client
	policy RetryPolicy
}

func (r *retryClient) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := r.client.Complete(ctx, req)
	for attempt := 0; err != nil && attempt < r.policy.MaxRetries; attempt++ {
		if !retryable(err) {
			return Response{}, err
		}
		if werr := r.wait(ctx, err, attempt); werr != nil {
			return Response{}, werr
		}
		resp, err = r.client.Complete(ctx, req)
	}
	return resp, err
}

func (r *retryClient) Stream(ctx context.Context, req Request) (Streamer, error) {
	s, err := r.client.Stream(ctx, req)
	for attempt := 0; err != nil && attempt < r.policy.MaxRetries; attempt++ {
		if !retryable(err) {
			return nil, err
		}
		if werr := r.wait(ctx, err, attempt); werr != nil {
			return nil, werr
		}
		s, err = r.client.Stream(ctx, req)
	}
	return s, err
}

func (r *retryClient) wait(ctx context.Context, err error, attempt int) error {
	delay := r.policy.Delay(attempt)
	if r.policy.OnRetry != nil {
		r.policy.OnRetry(err, attempt+1, delay)
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryable(err error) bool {
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	return false
}
