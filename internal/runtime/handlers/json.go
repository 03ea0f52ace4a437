package handlers

import (
	"context"
	"fmt"

	"github.com/drblury/assignflow/internal/runtime/assignment"
	errspkg "github.com/drblury/assignflow/internal/runtime/errors"
	"github.com/drblury/assignflow/internal/runtime/jsoncodec"
)

// TypedFunc handles a payload decoded into T.
type TypedFunc[T any] func(ctx context.Context, payload T) (assignment.Result, error)

// JSON adapts a TypedFunc to a Func. The payload map is re-encoded and decoded
// into a fresh T, so T uses ordinary json struct tags.
func JSON[T any](fn TypedFunc[T]) (Func, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return func(ctx context.Context, payload assignment.Payload) (assignment.Result, error) {
		var typed T
		if err := DecodePayload(payload, &typed); err != nil {
			return nil, err
		}
		return fn(ctx, typed)
	}, nil
}

// DecodePayload copies payload into out, which must be a pointer.
func DecodePayload(payload assignment.Payload, out any) error {
	if payload == nil {
		payload = assignment.Payload{}
	}
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := jsoncodec.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload into %T: %w", out, err)
	}
	return nil
}

// ResultFrom converts a struct into a Result using its json tags.
func ResultFrom(v any) (assignment.Result, error) {
	raw, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out assignment.Result
	if err := jsoncodec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("result %T is not an object: %w", v, err)
	}
	return out, nil
}
