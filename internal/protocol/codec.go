package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/google/uuid"
)

// Version is the envelope schema version written by this build.
const Version = 1

// CoordinatorIdentity signs acks and back-channel pushes from the coordinator.
var CoordinatorIdentity = types.WorkerIdentity{Name: "coordinator"}

var (
	// ErrUnknownKind means the envelope tag is not one of the known variants.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrVersion means the envelope was written by an incompatible schema.
	ErrVersion = errors.New("protocol: unsupported envelope version")
	// ErrNoSender means the envelope cannot be attributed to a worker.
	ErrNoSender = errors.New("protocol: envelope has no sender")
)

// Envelope is the self-describing frame around every message.
type Envelope struct {
	Version int             `json:"v"`
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	Sender  string          `json:"sender"`
	Ordinal uint32          `json:"ordinal"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Identity returns the sender identity carried by the envelope.
func (e Envelope) Identity() types.WorkerIdentity {
	return types.WorkerIdentity{Name: e.Sender, Ordinal: e.Ordinal}
}

// DecodeError is returned for malformed or unknown envelopes.
type DecodeError struct {
	Kind Kind  // tag read from the envelope, if any
	Err  error // underlying cause
}

func (e *DecodeError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("protocol: decode failed: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s failed: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode wraps msg in an envelope attributed to from.
func Encode(from types.WorkerIdentity, msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Kind(), err)
	}
	env := Envelope{
		Version: Version,
		Kind:    msg.Kind(),
		ID:      uuid.New().String(),
		Sender:  from.Name,
		Ordinal: from.Ordinal,
		Body:    body,
	}
	return json.Marshal(env)
}

// Decode parses an envelope and its message without knowing the variant in advance.
func Decode(data []byte) (Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, nil, &DecodeError{Err: err}
	}
	if env.Version != Version {
		return env, nil, &DecodeError{Kind: env.Kind, Err: fmt.Errorf("%w: %d", ErrVersion, env.Version)}
	}
	if env.Sender == "" {
		return env, nil, &DecodeError{Kind: env.Kind, Err: ErrNoSender}
	}

	msg, err := newMessage(env.Kind)
	if err != nil {
		return env, nil, &DecodeError{Kind: env.Kind, Err: err}
	}
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, msg); err != nil {
			return env, nil, &DecodeError{Kind: env.Kind, Err: err}
		}
	}
	return env, deref(msg), nil
}

func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindHandshake:
		return &Handshake{}, nil
	case KindStop:
		return &StopCommand{}, nil
	case KindProgress:
		return &ProgressHeartbeat{}, nil
	case KindBugFound:
		return &BugFound{}, nil
	case KindReport:
		return &ReportSubmission{}, nil
	case KindTrace:
		return &TraceTransfer{}, nil
	case KindAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// deref returns messages by value so callers can type-switch on the plain types.
func deref(m Message) Message {
	switch v := m.(type) {
	case *Handshake:
		return *v
	case *StopCommand:
		return *v
	case *ProgressHeartbeat:
		return *v
	case *BugFound:
		return *v
	case *ReportSubmission:
		return *v
	case *TraceTransfer:
		return *v
	case *Ack:
		return *v
	}
	return m
}
