package booking

import "context"

type idempotencyKey struct{}

// WithIdempotencyKey attaches the key under which a batch is submitted.
// Transports that support it forward the key so a retried submission of
// the same action is not booked twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached with WithIdempotencyKey, or "".
func IdempotencyKey(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKey{}).(string)
	return v
}
