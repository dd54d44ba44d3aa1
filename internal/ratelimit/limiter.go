package ratelimit

import "context"

// Limiter caps upstream API call throughput per operation.
type Limiter interface {
	Allow(ctx context.Context, operation string) (bool, error)
	Wait(ctx context.Context, operation string) error
}
