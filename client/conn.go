package client

import (
	"bufio"
	"fmt"
	"io"
	"net"
)

// Dialer opens a duplex byte channel to addr. The returned transport must be
// independently readable and writable from the same goroutine.
type Dialer func(addr string) (io.ReadWriteCloser, error)

func tcpDialer(addr string) (io.ReadWriteCloser, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp: %w", err)
	}
	return conn, nil
}

// connState is the per-connection handshake product: the write handle plus a
// line-buffered read handle over the same transport. It is replaced
// wholesale on reconnect, never mutated in place.
type connState struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
}

func newConnState(rwc io.ReadWriteCloser) *connState {
	return &connState{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
	}
}

// readLine blocks until a full '\n'-terminated line arrives. The terminator
// is included in the result.
func (st *connState) readLine() (string, error) {
	line, err := st.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read line: %w", err)
	}
	return line, nil
}

func (st *connState) write(p []byte) error {
	if _, err := st.rwc.Write(p); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (st *connState) Close() error {
	return st.rwc.Close()
}
