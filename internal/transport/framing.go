// Package transport implements the length-prefixed framed channel spec.md
// §6 lays over a single byte-stream connection (a Unix domain socket or a
// Windows named pipe, chosen per OS by the build-tagged listener files in
// this package) and the platform-specific listener that accepts one.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameSize guards against a corrupt or hostile length prefix causing an
// unbounded allocation; no legitimate request or event approaches this.
const maxFrameSize = 64 << 20

// Framer reads and writes 4-byte-big-endian-length-prefixed JSON frames
// over one connection. Writes are serialised so that concurrent response
// and event writers (a session's worker goroutine and any number of
// trampoline-invoking native threads) never interleave bytes of two
// messages (spec.md §5: "each framed message is atomic").
type Framer struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// New wraps conn in a Framer.
func New(conn net.Conn) *Framer {
	return &Framer{conn: conn}
}

// ReadFrame blocks until one full frame has arrived, returning its JSON
// payload. It returns io.EOF when the peer closes the connection cleanly.
func (f *Framer) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(f.conn, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame. Safe for concurrent use.
func (f *Framer) WriteFrame(payload []byte) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := f.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (f *Framer) Close() error { return f.conn.Close() }
