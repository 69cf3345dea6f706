package redisstream

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/drblury/buslink/transport"
)

func encodeMessage(msg transport.Message, now time.Time) map[string]any {
	values := make(map[string]any, 4+len(msg.Headers))
	values[fieldID] = msg.ID
	values[fieldBody] = msg.Body
	values[fieldEnqueuedAt] = strconv.FormatInt(now.UnixNano(), 10)
	if msg.ContentType != "" {
		values[fieldContentType] = msg.ContentType
	}
	for k, v := range msg.Headers {
		values[fieldHeaderPrefix+k] = v
	}
	return values
}

func decodeMessage(values map[string]any) (transport.Message, time.Time) {
	msg := transport.Message{
		ID:          asString(values[fieldID]),
		ContentType: asString(values[fieldContentType]),
		Headers:     make(map[string]string),
	}
	switch b := values[fieldBody].(type) {
	case string:
		msg.Body = []byte(b)
	case []byte:
		msg.Body = b
	}
	for k, v := range values {
		if name, ok := strings.CutPrefix(k, fieldHeaderPrefix); ok {
			msg.Headers[name] = asString(v)
		}
	}
	return msg, unixNano(values[fieldEnqueuedAt])
}

// deliveryCount returns how often the entry was delivered before it was
// re-added.
func deliveryCount(values map[string]any) int {
	n, err := strconv.Atoi(asString(values[fieldDeliveryCount]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+4)
	maps.Copy(out, values)
	return out
}

func unixNano(v any) time.Time {
	ns, err := strconv.ParseInt(asString(v), 10, 64)
	if err != nil || ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
