package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrInvalidEnvelope marks a well-formed JSON message that is not a valid envelope.
// The stream itself is still in sync after such an error.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// Encoder writes envelopes as newline-delimited JSON. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode validates env and writes it as one line.
func (e *Encoder) Encode(env *Envelope) error {
	if err := Validate(env); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(env); err != nil {
		return fmt.Errorf("protocol: encoding envelope: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next envelope. It returns io.EOF at a clean end of stream.
// An error matching ErrInvalidEnvelope comes with the offending envelope and
// leaves the stream usable; any other error means the stream can no longer be
// trusted.
func (d *Decoder) Decode() (*Envelope, error) {
	var env Envelope
	if err := d.dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: decoding envelope: %w", err)
	}
	if err := Validate(&env); err != nil {
		return &env, err
	}
	return &env, nil
}

// Validate checks the envelope fields required by its type.
func Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}

	switch env.Type {
	case TypeExecute, TypeResult, TypeError:
		if env.ID == "" {
			return fmt.Errorf("%w: %s envelope missing required field: id", ErrInvalidEnvelope, env.Type)
		}
	case TypeFault:
	case "":
		return fmt.Errorf("%w: missing required field: type", ErrInvalidEnvelope)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
	}

	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return fmt.Errorf("%w: %s envelope missing required field: payload", ErrInvalidEnvelope, env.Type)
	}

	if env.Type == TypeError || env.Type == TypeFault {
		f, err := env.DecodeFailure()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		if f.Kind == "" {
			return fmt.Errorf("%w: %s envelope has no failure kind", ErrInvalidEnvelope, env.Type)
		}
	}
	return nil
}
