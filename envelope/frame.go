package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// frame carries broker message metadata inline for transports that only
// move opaque payloads (Redis lists).
type frame struct {
	CorrelationID string            `json:"cid,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Persistent    bool              `json:"persistent,omitempty"`
	Body          []byte            `json:"body"`
}

// EncodeFrame packs a broker message into one payload.
func EncodeFrame(m rpc.Message) ([]byte, error) {
	b, err := json.Marshal(frame{
		CorrelationID: m.CorrelationID,
		ReplyTo:       m.ReplyTo,
		Headers:       m.Headers,
		Persistent:    m.Persistent,
		Body:          m.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// DecodeFrame unpacks a payload produced by EncodeFrame.
func DecodeFrame(b []byte) (rpc.Message, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return rpc.Message{}, fmt.Errorf("decode frame: %w", errors.Join(berr.ErrDelivery, err))
	}

	return rpc.Message{
		CorrelationID: f.CorrelationID,
		ReplyTo:       f.ReplyTo,
		Headers:       f.Headers,
		Persistent:    f.Persistent,
		Body:          f.Body,
	}, nil
}
