package queue

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
)

// Kind enumerates the queued mutation kinds.
type Kind string

const (
	// KindUpdateProgress pushes progress together with the optional status and score.
	KindUpdateProgress Kind = "update_progress"
	// KindUpdateStatus pushes a status change.
	KindUpdateStatus Kind = "update_status"
	// KindDeleteEntry records a local removal. It has no remote mutation.
	KindDeleteEntry Kind = "delete_entry"
	// KindCreateEntry pushes a brand-new list entry.
	KindCreateEntry Kind = "create_entry"
)

// Kinds returns every kind this build can decode.
func Kinds() []Kind {
	return []Kind{KindUpdateProgress, KindUpdateStatus, KindDeleteEntry, KindCreateEntry}
}

const payloadSchemaVersion = 1

var (
	// ErrInvalidPayload indicates that a payload failed validation or decoding.
	ErrInvalidPayload = errors.New("queue: invalid payload")
	// ErrUnknownKind indicates an operation kind this build does not understand.
	ErrUnknownKind = errors.New("queue: unknown operation kind")
)

// Payload is the closed set of queued intents.
type Payload interface {
	Kind() Kind
	validate() error
}

// UpdateProgress carries the full latest progress intent for one entry.
type UpdateProgress struct {
	Progress int             `json:"progress"`
	Status   *library.Status `json:"status,omitempty"`
	Score    *float64        `json:"score,omitempty"`
}

// Kind identifies the payload.
func (UpdateProgress) Kind() Kind { return KindUpdateProgress }

func (p UpdateProgress) validate() error {
	if p.Progress < 0 {
		return fmt.Errorf("%w: negative progress %d", ErrInvalidPayload, p.Progress)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidPayload, *p.Status)
	}
	return nil
}

// UpdateStatus carries a status change.
type UpdateStatus struct {
	Status library.Status `json:"status"`
}

// Kind identifies the payload.
func (UpdateStatus) Kind() Kind { return KindUpdateStatus }

func (p UpdateStatus) validate() error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidPayload, p.Status)
	}
	return nil
}

// DeleteEntry records that the entry was removed locally.
type DeleteEntry struct{}

// Kind identifies the payload.
func (DeleteEntry) Kind() Kind { return KindDeleteEntry }

func (DeleteEntry) validate() error { return nil }

// CreateEntry carries the initial state of an entry added locally.
type CreateEntry struct {
	Status   library.Status `json:"status"`
	Progress int            `json:"progress"`
	Score    *float64       `json:"score,omitempty"`
}

// Kind identifies the payload.
func (CreateEntry) Kind() Kind { return KindCreateEntry }

func (p CreateEntry) validate() error {
	if !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidPayload, p.Status)
	}
	if p.Progress < 0 {
		return fmt.Errorf("%w: negative progress %d", ErrInvalidPayload, p.Progress)
	}
	return nil
}

type payloadEnvelope struct {
	Version int             `json:"v"`
	Kind    Kind            `json:"kind"`
	Data    json.RawMessage `json:"data"`
}

func encodePayload(payload Payload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	}
	if err := payload.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	encoded, err := json.Marshal(payloadEnvelope{
		Version: payloadSchemaVersion,
		Kind:    payload.Kind(),
		Data:    data,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(encoded), nil
}

func decodePayload(raw string) (Payload, error) {
	var envelope payloadEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if envelope.Version != payloadSchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrInvalidPayload, envelope.Version)
	}

	var payload Payload
	var err error
	switch envelope.Kind {
	case KindUpdateProgress:
		var decoded UpdateProgress
		err = json.Unmarshal(envelope.Data, &decoded)
		payload = decoded
	case KindUpdateStatus:
		var decoded UpdateStatus
		err = json.Unmarshal(envelope.Data, &decoded)
		payload = decoded
	case KindDeleteEntry:
		payload = DeleteEntry{}
	case KindCreateEntry:
		var decoded CreateEntry
		err = json.Unmarshal(envelope.Data, &decoded)
		payload = decoded
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
