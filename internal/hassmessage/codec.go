package hassmessage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrMalformedFrame is returned for frames that are neither a JSON object nor an array.
	ErrMalformedFrame = errors.New("hassmessage: malformed frame")
	// ErrMissingType is returned for messages without a `type` field.
	ErrMissingType = errors.New("hassmessage: message has no type")
)

var pool = sync.Pool{
	New: func() any {
		return &bytes.Buffer{}
	},
}

// Encode serializes v into a single JSON frame.
func Encode(v any) ([]byte, error) {
	buf := pool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		pool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	// Encoder terminates every document with a newline; frames are newline-free.
	frame := bytes.TrimRight(buf.Bytes(), "\n")
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

// ElementError reports one element of a coalesced array that could not be
// decoded.
type ElementError struct {
	Index int
	Err   error
}

func (e *ElementError) Error() string {
	return fmt.Sprintf("element %d: %v", e.Index, e.Err)
}

func (e *ElementError) Unwrap() error { return e.Err }

// Decode parses a frame into messages. An object yields one message; an array,
// which the hub only sends once coalescing is negotiated, yields one message
// per element in array order.
//
// A bad array element does not sink its neighbours: Decode returns the
// elements it could decode together with an error joining one *ElementError
// per skipped element. A frame that is not an object or array, or an object
// without a type, yields no messages.
func Decode(frame []byte) ([]Message, error) {
	data := bytes.TrimSpace(frame)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	switch data[0] {
	case '{':
		msg, err := decodeOne(data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil

	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(data, &elems); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		msgs := make([]Message, 0, len(elems))
		var errs []error
		for i, raw := range elems {
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 || raw[0] != '{' {
				errs = append(errs, &ElementError{Index: i, Err: fmt.Errorf("%w: not an object", ErrMalformedFrame)})
				continue
			}
			msg, err := decodeOne(raw)
			if err != nil {
				errs = append(errs, &ElementError{Index: i, Err: err})
				continue
			}
			msgs = append(msgs, msg)
		}
		return msgs, errors.Join(errs...)

	default:
		return nil, fmt.Errorf("%w: unexpected leading %q", ErrMalformedFrame, data[0])
	}
}

// Failures counts the frames or elements behind an error returned by Decode.
func Failures(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

func decodeOne(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}
