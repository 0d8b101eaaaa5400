package conn

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultTLSReadWait = 100 * time.Microsecond
)

// tlsReadWait is how long a non-blocking read on a TLS session waits for data before reporting that it would
// block. Plain sockets are read without waiting.
var tlsReadWait time.Duration

func init() {
	tlsReadWait = defaultTLSReadWait
	if v := os.Getenv("PGASYNC_TLS_READ_WAIT_MICROSECONDS"); v != "" {
		if us, err := strconv.Atoi(v); err == nil && us > 0 {
			tlsReadWait = time.Duration(us) * time.Microsecond
		}
	}
}
