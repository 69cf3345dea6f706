package redisstream

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/buslink/transport"
)

var (
	authPrefixes      = []string{"NOAUTH", "WRONGPASS", "NOPERM"}
	transientPrefixes = []string{"LOADING", "BUSY ", "TRYAGAIN", "CLUSTERDOWN", "MASTERDOWN", "READONLY"}
)

// Classify maps Redis errors onto transport error kinds.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return errors.Join(transport.ErrClosed, err)
	}

	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		for _, p := range authPrefixes {
			if strings.HasPrefix(msg, p) {
				return transport.Unauthorized(err)
			}
		}
		for _, p := range transientPrefixes {
			if strings.HasPrefix(msg, p) {
				return transport.Transient(err)
			}
		}
		return err
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.As(err, &netErr):
		return transport.Transient(err)
	}
	return err
}
