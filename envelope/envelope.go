package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
)

// Request is the envelope a caller publishes to a service queue.
type Request struct {
	CorrelationID string            `json:"correlation_id"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Service       string            `json:"service,omitempty"`
	Args          []json.RawMessage `json:"args"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Status tags an Outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is success(value) or failure(error_kind, message).
type Outcome struct {
	Status    Status          `json:"status"`
	Value     json.RawMessage `json:"value,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Result is the envelope a service publishes back to the caller's reply queue.
type Result struct {
	CorrelationID string  `json:"correlation_id"`
	Outcome       Outcome `json:"outcome"`
}

// Success builds a success outcome carrying an encoded value.
func Success(value json.RawMessage) Outcome {
	return Outcome{Status: StatusSuccess, Value: value}
}

// Failure builds a failure outcome.
func Failure(kind, message string) Outcome {
	return Outcome{Status: StatusFailure, ErrorKind: kind, Message: message}
}

// FailureOf converts err into a failure outcome, keeping the kind of a
// wrapped *errors.Failure and using fallbackKind otherwise.
func FailureOf(err error, fallbackKind string) Outcome {
	f := berr.FailureFrom(err, fallbackKind)

	return Failure(f.Kind, f.Message)
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Err returns nil for a success and a *errors.Failure otherwise.
func (o Outcome) Err() error {
	if o.OK() {
		return nil
	}

	return berr.NewFailure(o.ErrorKind, o.Message)
}

// NewRequest encodes args positionally into a request envelope.
func NewRequest(correlationID, replyTo string, args ...any) (Request, error) {
	raw := make([]json.RawMessage, 0, len(args))

	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Request{}, fmt.Errorf("encode arg %d: %w", i, errors.Join(berr.ErrSerializationFailed, err))
		}

		raw = append(raw, b)
	}

	return Request{
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
		Args:          raw,
		EnqueuedAt:    time.Now().UTC(),
	}, nil
}

// EncodeRequest serializes a request envelope.
func EncodeRequest(r Request) ([]byte, error) {
	if r.Args == nil {
		r.Args = []json.RawMessage{}
	}

	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// DecodeRequest parses a request envelope. Any malformed input yields an
// error matching errors.ErrDelivery.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", errors.Join(berr.ErrDelivery, err))
	}

	if r.CorrelationID == "" {
		return Request{}, fmt.Errorf("decode request: missing correlation_id: %w", berr.ErrDelivery)
	}

	if r.Args == nil {
		r.Args = []json.RawMessage{}
	}

	return r, nil
}

// EncodeResult serializes a result envelope.
func EncodeResult(r Result) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// DecodeResult parses a result envelope.
func DecodeResult(b []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", errors.Join(berr.ErrDelivery, err))
	}

	switch r.Outcome.Status {
	case StatusSuccess, StatusFailure:
	default:
		return Result{}, fmt.Errorf("decode result: unknown status %q: %w", r.Outcome.Status, berr.ErrDelivery)
	}

	return r, nil
}
