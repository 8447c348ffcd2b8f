// Package tunnel implements the bidirectional byte pump shared by the
// SOCKS5 and HTTP listeners once a target socket has been dialed (C5).
package tunnel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/narrowmargin/peanutpod/internal/upstream"
)

// chunkSize is the read buffer, per §4.5.
const chunkSize = 4096

// pollInterval is the read-deadline tick. Go has no select() equivalent
// for plain net.Conn, so each direction re-arms a 1s read deadline
// instead, giving the same "notice a stop signal within ~1s" behavior.
const pollInterval = time.Second

// ActiveConnection is the ephemeral pairing of a client and remote
// socket plus the upstream descriptor snapshot taken at dial time
// (§3). The descriptor is informational only — Pipe never consults it.
type ActiveConnection struct {
	Client   net.Conn
	Remote   net.Conn
	Upstream upstream.Descriptor
}

// Pipe copies bytes in both directions between a and b until either
// side reaches EOF or errors, then closes both. It blocks until the
// pipe terminates. A read timeout from the periodic deadline re-arm is
// not itself a termination condition.
func Pipe(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	defer closeBoth()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyChunks(a, b)
		closeBoth()
	}()
	go func() {
		defer wg.Done()
		copyChunks(b, a)
		closeBoth()
	}()
	wg.Wait()
}

// copyChunks reads up to chunkSize bytes from src and writes all of
// them to dst, looping until a zero-length read (FIN), a non-timeout
// error, or a write failure. Writes are write-all: a partial write is
// retried until complete or it fails.
func copyChunks(dst, src net.Conn) {
	buf := make([]byte, chunkSize)
	for {
		if deadliner, ok := src.(interface{ SetReadDeadline(time.Time) error }); ok {
			deadliner.SetReadDeadline(time.Now().Add(pollInterval))
		}

		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeAll(dst, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
	}
}

func writeAll(dst io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := dst.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
