//go:build windows

package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
)

const (
	pipeBufferSize = 64 * 1024
	pipePrefix     = `\\.\pipe\`
)

// Listen binds a named pipe at \\.\pipe\<name> (spec.md §6: "on one OS
// family the name maps to a named pipe"). Each accepted client connection
// gets its own pipe instance, matching the one-worker-thread-per-connection
// model the rest of the service assumes.
func Listen(name string) (net.Listener, error) {
	path := pipePrefix + name
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid pipe name %q: %w", name, err)
	}
	return &pipeListener{path: path, pathPtr: pathPtr}, nil
}

type pipeListener struct {
	path    string
	pathPtr *uint16

	mu     sync.Mutex
	closed bool
}

func (l *pipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, errors.New("transport: listener closed")
	}
	l.mu.Unlock()

	handle, err := windows.CreateNamedPipe(
		l.pathPtr,
		windows.PIPE_ACCESS_DUPLEX,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		windows.PIPE_UNLIMITED_INSTANCES,
		pipeBufferSize, pipeBufferSize,
		0,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("transport: CreateNamedPipe: %w", err)
	}

	overlapped := new(windows.Overlapped)
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("transport: CreateEvent: %w", err)
	}
	defer windows.CloseHandle(event)
	overlapped.HEvent = event

	err = windows.ConnectNamedPipe(handle, overlapped)
	if err != nil && err != windows.ERROR_IO_PENDING && err != windows.ERROR_PIPE_CONNECTED {
		windows.CloseHandle(handle)
		return nil, fmt.Errorf("transport: ConnectNamedPipe: %w", err)
	}
	if err == windows.ERROR_IO_PENDING {
		if _, waitErr := windows.WaitForSingleObject(event, windows.INFINITE); waitErr != nil {
			windows.CloseHandle(handle)
			return nil, fmt.Errorf("transport: waiting for client connect: %w", waitErr)
		}
	}

	return &pipeConn{handle: handle, path: l.path}, nil
}

func (l *pipeListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr(l.path) }

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// pipeConn adapts a raw named-pipe handle to net.Conn so the rest of the
// service (Framer, Session) never needs to know it isn't a TCP/Unix socket.
type pipeConn struct {
	handle windows.Handle
	path   string
}

func (c *pipeConn) Read(b []byte) (int, error) {
	var n uint32
	err := windows.ReadFile(c.handle, b, &n, nil)
	if err != nil {
		if err == windows.ERROR_BROKEN_PIPE {
			return int(n), syscall.EOF
		}
		return int(n), err
	}
	return int(n), nil
}

func (c *pipeConn) Write(b []byte) (int, error) {
	var n uint32
	err := windows.WriteFile(c.handle, b, &n, nil)
	return int(n), err
}

func (c *pipeConn) Close() error {
	windows.FlushFileBuffers(c.handle)
	windows.DisconnectNamedPipe(c.handle)
	return windows.CloseHandle(c.handle)
}

func (c *pipeConn) LocalAddr() net.Addr  { return pipeAddr(c.path) }
func (c *pipeConn) RemoteAddr() net.Addr { return pipeAddr(c.path) }

// Deadlines are not implemented for named pipes here; the session's worker
// loop is purely synchronous and never relies on them (spec.md §5: "no
// per-request cancellation").
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }
