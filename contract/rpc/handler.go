package rpc

import (
	"context"
	"encoding/json"
)

// Args holds the positional arguments of one request, still encoded.
type Args []json.RawMessage

// Handler executes one batch. calls[i] carries the arguments of the i-th
// batch member and the handler must return exactly len(calls) results, the
// i-th result answering the i-th call. Returning an error fails every member.
//
// Handlers may block (CPU-bound work) or wait on I/O; either way they occupy
// one pool slot until they return. ctx is cancelled when the binding's call
// timeout elapses or the server shuts down.
type Handler func(ctx context.Context, calls []Args) ([]any, error)
