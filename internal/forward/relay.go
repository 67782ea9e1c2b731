package forward

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/tcp-forward/internal/logging"
	"github.com/postalsys/tcp-forward/internal/metrics"
)

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// Relay copies data bidirectionally between a and b until both directions finish, then
// closes both connections. A clean end of one direction is propagated as a half-close
// when the other side supports it; a copy error tears down both sides.
// It returns the bytes copied from a to b and from b to a.
func Relay(a, b net.Conn) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var err error
		aToB, err = io.Copy(b, a)
		finish(a, b, err)
	}()

	go func() {
		defer wg.Done()
		var err error
		bToA, err = io.Copy(a, b)
		finish(b, a, err)
	}()

	wg.Wait()
	a.Close()
	b.Close()
	return aToB, bToA
}

// finish ends the src -> dst direction.
func finish(src, dst net.Conn, err error) {
	if err != nil {
		src.Close()
		dst.Close()
		return
	}
	if hc, ok := dst.(halfCloser); ok && hc.CloseWrite() == nil {
		return
	}
	dst.Close()
}

// Splice relays between outside and inside, recording metrics and logging the byte counts
// when the splice ends. attrs are appended to the log line.
func Splice(logger *slog.Logger, m *metrics.Metrics, outside, inside net.Conn, attrs ...any) {
	start := time.Now()
	m.RecordSpliceStart()

	in, out := Relay(outside, inside)

	elapsed := time.Since(start)
	m.RecordSpliceEnd(elapsed.Seconds(), in, out)

	if logger != nil {
		logger.Debug("splice closed", append(attrs,
			logging.KeyBytesIn, humanize.Bytes(uint64(in)),
			logging.KeyBytesOut, humanize.Bytes(uint64(out)),
			logging.KeyDuration, elapsed.Round(time.Millisecond),
		)...)
	}
}
