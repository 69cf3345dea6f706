package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	buserrors "github.com/drblury/buslink/internal/runtime/errors"
	"github.com/drblury/buslink/internal/runtime/ids"
	"github.com/drblury/buslink/internal/runtime/jsoncodec"
	"github.com/drblury/buslink/internal/runtime/metadata"
	"github.com/drblury/buslink/transport"
)

const (
	// ContentType labels encoded envelopes on the transport.
	ContentType = "application/json"

	// SenderKey is the metadata key lifted into Envelope.Sender.
	SenderKey = "sender"
)

// Codec builds envelopes and converts them to and from transport messages.
// The zero Codec is usable: it stamps the current time and ULID ids, and
// leaves the sender empty when metadata names none.
type Codec struct {
	DefaultSender string
	Now           func() time.Time
	NewID         func(at time.Time) string
}

// NewCodec returns a Codec that defaults the sender to defaultSender.
func NewCodec(defaultSender string) *Codec {
	return &Codec{DefaultSender: defaultSender}
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c *Codec) newID(at time.Time) string {
	if c.NewID != nil {
		return c.NewID(at)
	}
	return ids.CreateULIDAt(at)
}

// Encode builds a new envelope. A "sender" entry in md becomes the
// envelope sender and is left out of the envelope metadata; md itself is
// not modified.
func (c *Codec) Encode(t MessageType, title, content string, md metadata.Metadata) (Envelope, error) {
	if !t.Valid() {
		return Envelope{}, &buserrors.ValidationError{Field: "messageType", Err: fmt.Errorf("%w: got %q", buserrors.ErrInvalidMessageType, t)}
	}
	if strings.TrimSpace(title) == "" {
		return Envelope{}, &buserrors.ValidationError{Field: "title", Err: buserrors.ErrTitleRequired}
	}
	if strings.TrimSpace(content) == "" {
		return Envelope{}, &buserrors.ValidationError{Field: "content", Err: buserrors.ErrContentRequired}
	}

	meta := md.Clone()
	sender := c.DefaultSender
	if v, ok := meta.Take(SenderKey); ok && !v.IsNull() {
		s, isString := v.AsString()
		if !isString {
			return Envelope{}, &buserrors.ValidationError{Field: "metadata.sender", Err: fmt.Errorf("%w: got %s", buserrors.ErrInvalidSender, v.Kind())}
		}
		if strings.TrimSpace(s) != "" {
			sender = s
		}
	}

	now := c.now()
	return Envelope{
		ID:          c.newID(now),
		MessageType: t,
		Title:       title,
		Timestamp:   now,
		Sender:      sender,
		Metadata:    meta,
		Content:     content,
	}, nil
}

// Marshal renders the envelope wire format as UTF-8 JSON.
func (c *Codec) Marshal(e Envelope) ([]byte, error) {
	if e.IsUnknown() {
		return nil, &buserrors.ValidationError{Field: "messageType", Err: buserrors.ErrInvalidMessageType}
	}
	return jsoncodec.Marshal(e)
}

// ToMessage renders the envelope as a transport message whose id is the
// envelope id, so every retry of a send carries the same id.
func (c *Codec) ToMessage(e Envelope) (transport.Message, error) {
	body, err := c.Marshal(e)
	if err != nil {
		return transport.Message{}, err
	}
	return transport.Message{
		ID:          e.ID,
		Body:        body,
		ContentType: ContentType,
		Headers: metadata.Headers{
			transport.HeaderMessageType: string(e.MessageType),
			transport.HeaderSender:      e.Sender,
		},
	}, nil
}

// Decode parses an envelope. It never fails outright: a payload that is not
// a valid envelope comes back as an Unknown envelope carrying the raw bytes,
// together with a *errors.DecodeError describing the problem.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	e, err := decode(data)
	if err != nil {
		return opaque(data), &buserrors.DecodeError{Err: err}
	}
	return e, nil
}

// DecodeDelivery decodes a received message. An Unknown envelope takes its
// id from the transport message and its timestamp from the enqueue time.
func (c *Codec) DecodeDelivery(d transport.Delivery) (Envelope, error) {
	e, err := c.Decode(d.Body)
	if err == nil {
		return e, nil
	}
	e.ID = d.ID
	e.Timestamp = d.EnqueuedAt
	var de *buserrors.DecodeError
	if errors.As(err, &de) {
		de.MessageID = d.ID
	}
	return e, err
}

func decode(data []byte) (Envelope, error) {
	if !utf8.Valid(data) {
		return Envelope{}, errors.New("payload is not valid UTF-8")
	}
	var w wireEnvelope
	if err := jsoncodec.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("payload is not an envelope: %w", err)
	}

	var problems []error
	if strings.TrimSpace(w.ID) == "" {
		problems = append(problems, errors.New("id is missing"))
	}
	t, err := ParseMessageType(w.MessageType)
	if err != nil {
		problems = append(problems, err)
	}
	if strings.TrimSpace(w.Title) == "" {
		problems = append(problems, buserrors.ErrTitleRequired)
	}
	if strings.TrimSpace(w.Content) == "" {
		problems = append(problems, buserrors.ErrContentRequired)
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return Envelope{}, errors.Join(problems...)
	}

	md := w.Metadata
	if md == nil {
		md = metadata.Metadata{}
	}
	return Envelope{
		ID:          w.ID,
		MessageType: t,
		Title:       w.Title,
		Timestamp:   ts,
		Sender:      w.Sender,
		Metadata:    md,
		Content:     w.Content,
	}, nil
}

func opaque(data []byte) Envelope {
	e := Envelope{
		MessageType: Unknown,
		Metadata:    metadata.Metadata{},
		Raw:         append([]byte(nil), data...),
	}
	if utf8.Valid(data) {
		e.Content = string(data)
	}
	return e
}
