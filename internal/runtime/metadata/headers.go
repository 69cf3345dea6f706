package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// Headers are the transport-level string properties of a message.
type Headers map[string]string

// Clone returns a shallow copy of the headers.
func (h Headers) Clone() Headers {
	cloned := make(Headers, len(h))
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy of the headers containing key=value.
func (h Headers) With(key, value string) Headers {
	cloned := h.Clone()
	cloned[key] = value
	return cloned
}

// ToWatermill copies the headers onto a watermill message.
func (h Headers) ToWatermill(msg *message.Message) {
	for k, v := range h {
		msg.Metadata.Set(k, v)
	}
}

// FromWatermill copies watermill message metadata into Headers.
func FromWatermill(md message.Metadata) Headers {
	h := make(Headers, len(md))
	for k, v := range md {
		h[k] = v
	}
	return h
}
