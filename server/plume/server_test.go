package plume

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()

	srv, err := NewServer(ServerConfig{
		Addr:             "127.0.0.1:0",
		WriteDeadline:    5 * time.Second,
		DispatchPoolSize: 8,
	}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.ListenAndServe(ctx)
	}()
	require.True(t, srv.ReadyForConnections(5*time.Second))

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv, cancel
}

// handshakeConn dials the server, verifies INFO and completes
// CONNECT/PING/PONG. It returns the raw conn and a buffered reader over it.
func handshakeConn(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	r := bufio.NewReader(conn)
	info, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(info, "INFO {"))
	require.Contains(t, info, `"max_payload"`)

	_, err = conn.Write([]byte("CONNECT {}\r\nPING\r\n"))
	require.NoError(t, err)

	pong, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "PONG\r\n", pong)

	return conn, r
}

func TestServerSubscribeAck(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, r := handshakeConn(t, srv.Addr())

	_, err := conn.Write([]byte("SUB orders 1\r\n"))
	require.NoError(t, err)

	ok, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", ok)
}

func TestServerPublishDelivers(t *testing.T) {
	srv, _ := startTestServer(t)

	subConn, subR := handshakeConn(t, srv.Addr())
	_, err := subConn.Write([]byte("SUB orders 9\r\n"))
	require.NoError(t, err)
	ok, err := subR.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", ok)

	pubConn, _ := handshakeConn(t, srv.Addr())
	_, err = pubConn.Write([]byte("PUB orders 5\r\nhello\r\n"))
	require.NoError(t, err)

	header, err := subR.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "MSG orders 9 5\r\n", header)

	rest := make([]byte, 7)
	_, err = io.ReadFull(subR, rest)
	require.NoError(t, err)
	assert.Equal(t, "hello\r\n", string(rest))
}

func TestServerFanOut(t *testing.T) {
	srv, _ := startTestServer(t)

	var readers []*bufio.Reader
	for sid := range 3 {
		conn, r := handshakeConn(t, srv.Addr())
		_, err := conn.Write([]byte("SUB metrics " + string(rune('1'+sid)) + "\r\n"))
		require.NoError(t, err)
		ok, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "+OK\r\n", ok)
		readers = append(readers, r)
	}

	pubConn, _ := handshakeConn(t, srv.Addr())
	_, err := pubConn.Write([]byte("PUB metrics 2\r\nok\r\n"))
	require.NoError(t, err)

	for i, r := range readers {
		header, err := r.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "MSG metrics "+string(rune('1'+i))+" 2\r\n", header)
		rest := make([]byte, 4)
		_, err = io.ReadFull(r, rest)
		require.NoError(t, err)
	}
}

func TestServerPublishNoSubscribers(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, r := handshakeConn(t, srv.Addr())
	_, err := conn.Write([]byte("PUB nobody 2\r\nhi\r\nSUB later 1\r\n"))
	require.NoError(t, err)

	// The frame after the silent PUB still gets processed.
	ok, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", ok)
}

func TestServerClosesOnBadFrame(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, r := handshakeConn(t, srv.Addr())
	_, err := conn.Write([]byte("BOGUS\r\n"))
	require.NoError(t, err)

	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestServerClosesOnPingBeforeConnect(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	r := bufio.NewReader(conn)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	_, err = conn.Write([]byte("PING\r\n"))
	require.NoError(t, err)

	_, err = r.ReadByte()
	assert.Error(t, err)
}

func TestServerDropsSubscriptionsOnDisconnect(t *testing.T) {
	srv, _ := startTestServer(t)

	conn, r := handshakeConn(t, srv.Addr())
	_, err := conn.Write([]byte("SUB orders 1\r\n"))
	require.NoError(t, err)
	_, err = r.ReadString('\n')
	require.NoError(t, err)

	conn.Close()

	assert.Eventually(t, func() bool {
		return srv.reg.count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerShutdown(t *testing.T) {
	srv, cancel := startTestServer(t)

	conn, _ := handshakeConn(t, srv.Addr())
	cancel()

	buf := make([]byte, 1)
	assert.Eventually(t, func() bool {
		_, err := conn.Read(buf)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}
