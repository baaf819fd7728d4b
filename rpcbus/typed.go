package rpcbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Call is the typed form of Client.Call: it decodes the value into R.
func Call[R any](ctx context.Context, c *Client, name string, args ...any) (R, error) {
	var out R

	raw, err := c.Call(ctx, name, args...)
	if err != nil {
		return out, err
	}

	if len(raw) == 0 {
		return out, nil
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("call %s: decode result: %w", name, errors.Join(berr.ErrSerializationFailed, err))
	}

	return out, nil
}

// Unary adapts a per-call function. The first positional argument of each
// member is decoded into T and fn runs once per member, in member order.
func Unary[T, R any](fn func(ctx context.Context, in T) (R, error)) rpc.Handler {
	return func(ctx context.Context, calls []rpc.Args) ([]any, error) {
		out := make([]any, len(calls))

		for i, a := range calls {
			in, err := first[T](a)
			if err != nil {
				return nil, err
			}

			r, err := fn(ctx, in)
			if err != nil {
				return nil, err
			}

			out[i] = r
		}

		return out, nil
	}
}

// Batched adapts a function that processes the whole batch at once. fn must
// return one result per input, in input order.
func Batched[T, R any](fn func(ctx context.Context, in []T) ([]R, error)) rpc.Handler {
	return func(ctx context.Context, calls []rpc.Args) ([]any, error) {
		in := make([]T, len(calls))

		for i, a := range calls {
			v, err := first[T](a)
			if err != nil {
				return nil, err
			}

			in[i] = v
		}

		rs, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}

		out := make([]any, len(rs))
		for i, r := range rs {
			out[i] = r
		}

		return out, nil
	}
}

func first[T any](a rpc.Args) (T, error) {
	var v T

	if len(a) == 0 {
		return v, errors.New("missing argument")
	}

	if err := json.Unmarshal(a[0], &v); err != nil {
		return v, fmt.Errorf("decode argument: %w", err)
	}

	return v, nil
}
