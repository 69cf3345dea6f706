// Package envelope builds and parses the JSON envelope exchanged over the
// bus.
package envelope

import (
	"fmt"
	"strings"
	"time"

	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/jsoncodec"
	"github.com/drblury/buslink/internal/runtime/metadata"
)

// MessageType routes an envelope downstream.
type MessageType string

const (
	Event    MessageType = "event"
	Analysis MessageType = "analysis"
	Metric   MessageType = "metric"

	// Unknown marks an envelope whose payload could not be decoded. It is
	// never accepted by Encode.
	Unknown MessageType = "unknown"
)

// Types lists the message types Encode accepts.
var Types = []MessageType{Event, Analysis, Metric}

// Valid reports whether t is one of Types.
func (t MessageType) Valid() bool {
	switch t {
	case Event, Analysis, Metric:
		return true
	}
	return false
}

// ParseMessageType matches s against Types ignoring case and surrounding
// space, so "Event" parses as Event.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &buserrors.ValidationError{Field: "messageType", Err: fmt.Errorf("%w: got %q", buserrors.ErrInvalidMessageType, s)}
	}
	return t, nil
}

// Envelope is the unit of exchange. Envelopes are values; once built they
// are not modified.
type Envelope struct {
	ID          string
	MessageType MessageType
	Title       string
	Timestamp   time.Time
	Sender      string
	Metadata    metadata.Metadata
	Content     string

	// Raw holds the undecodable payload of an Unknown envelope.
	Raw []byte
}

// IsUnknown reports whether the envelope wraps an undecodable payload.
func (e Envelope) IsUnknown() bool {
	return e.MessageType == Unknown
}

type wireEnvelope struct {
	ID          string            `json:"id"`
	MessageType string            `json:"messageType"`
	Title       string            `json:"title"`
	Timestamp   string            `json:"timestamp"`
	Sender      string            `json:"sender"`
	Metadata    metadata.Metadata `json:"metadata"`
	Content     string            `json:"content"`
}

// MarshalJSON writes the wire form with the timestamp in RFC 3339 UTC.
func (e Envelope) MarshalJSON() ([]byte, error) {
	md := e.Metadata
	if md == nil {
		md = metadata.Metadata{}
	}
	w := wireEnvelope{
		ID:          e.ID,
		MessageType: string(e.MessageType),
		Title:       e.Title,
		Sender:      e.Sender,
		Metadata:    md,
		Content:     e.Content,
	}
	if !e.Timestamp.IsZero() {
		w.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return jsoncodec.Marshal(w)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 and ISO 8601 without a zone offset. A
// timestamp without an offset is taken to be UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
