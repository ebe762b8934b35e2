package adb

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/prife-fork/adblite/wire"
)

// Session is an interactive shell session: the live TCP socket salvaged
// from a Handle after a successful "shell:<cmd>" handshake. Write blocks
// until the command's stdin accepts the bytes; Read and ReadTimeout block
// for output, the latter bounded by a per-call deadline instead of the
// connection's lifetime.
//
// A Session is created by Client.InteractiveShell and destroyed by the
// caller; Close tears down the socket, and any Read after that returns an
// empty buffer rather than an error.
type Session struct {
	conn net.Conn
	log  logrus.FieldLogger

	mu     sync.Mutex
	closed bool
}

func newSession(conn net.Conn, log logrus.FieldLogger) *Session {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
	}
	// Clear the deadline the handshake chain armed on the socket.
	conn.SetDeadline(time.Time{})
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Session{conn: conn, log: log}
}

// Write sends p to the command's stdin.
func (s *Session) Write(p []byte) (int, error) {
	n, err := s.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", wire.ErrIO, err)
	}
	return n, nil
}

// Read blocks indefinitely for the next chunk of output, returning an
// empty slice (not an error) on EOF.
func (s *Session) Read() ([]byte, error) {
	return s.ReadTimeout(0)
}

// ReadTimeout blocks for at most timeout for the next chunk of output. A
// zero timeout blocks indefinitely. Both a timeout and an EOF return an
// empty slice with a nil error; only a genuine I/O failure returns an
// error.
func (s *Session) ReadTimeout(timeout time.Duration) ([]byte, error) {
	if s.isClosed() {
		return nil, nil
	}
	if timeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		if isBenignReadErr(err) {
			s.log.Debugf("session read ended benignly: %v", err)
			return nil, nil
		}
		s.log.WithError(err).Warn("session read failed")
		return nil, fmt.Errorf("%w: %v", wire.ErrIO, err)
	}
	return buf[:n], nil
}

func isBenignReadErr(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

// Close tears down the socket. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.log.Debug("closing interactive session")
	return s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
