// Package channel implements the line-framed message stream used to carry
// JSON-RPC messages over a TCP connection. Each message occupies exactly
// one line, terminated by a Unicode LF (10).
package channel

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jlot/jlot"
)

// A Session owns a single stream connection and exchanges messages framed
// one per line. Send is safe for concurrent use by multiple goroutines and
// never interleaves partial lines; Recv must be called from a single
// goroutine.
type Session struct {
	wmu  sync.Mutex // serializes writes, keeping each line atomic
	conn net.Conn
	buf  *bufio.Reader
}

// New constructs a Session that transmits and receives messages on conn.
func New(conn net.Conn) *Session {
	return &Session{conn: conn, buf: bufio.NewReader(conn)}
}

// Dial connects to a server at addr, expanding the loopback shorthand
// accepted by jlot.ParseAddr, and returns a Session on the connection.
// Nagle's algorithm is disabled on TCP connections so each line is sent
// promptly. A timeout of 0 means no timeout on connection establishment.
func Dial(addr string, timeout time.Duration) (*Session, error) {
	conn, err := net.DialTimeout("tcp", jlot.ParseAddr(addr), timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return New(conn), nil
}

// Send transmits msg as a single line. LF bytes within msg are stripped, so
// the line framing cannot be corrupted by the payload (LF cannot occur
// inside a multibyte UTF-8 sequence), and a terminating LF is appended. The
// entire line is written under a lock, so concurrent senders never
// interleave partial lines.
func (s *Session) Send(msg []byte) error {
	out := make([]byte, len(msg)+1)
	j := 0
	for _, b := range msg {
		if b == '\n' {
			continue
		}
		out[j] = b
		j++
	}
	out[j] = '\n'

	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err := s.conn.Write(out[:j+1])
	return err
}

// Recv returns the next complete line from the connection, without its
// terminator. Partial reads are retried transparently until a full line is
// buffered; empty lines are skipped. At the end of the stream Recv returns
// io.EOF, which the caller must treat as connection closure if requests are
// still awaiting responses.
func (s *Session) Recv() ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := s.buf.ReadSlice('\n')
		buf.Write(chunk)
		if err == bufio.ErrBufferFull {
			continue // incomplete line
		} else if err == nil && buf.Len() <= 1 {
			buf.Reset()
			continue // empty line
		}
		line := buf.Bytes()
		if n := len(line) - 1; n >= 0 && line[n] == '\n' {
			return line[:n], err
		}
		if buf.Len() > 0 && err != nil {
			// Final line with no terminator.
			return line, nil
		}
		return nil, err
	}
}

// RemoteAddr returns the address of the peer, for labeling results.
func (s *Session) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the underlying connection. Any blocked Recv returns with an
// error.
func (s *Session) Close() error { return s.conn.Close() }
