package plume

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/plumemq/plume/internal/pool"
)

const readBufferSize = 512

// inbound pumps raw chunks from the connection into the handler.
type inbound struct {
	conn net.Conn
	h    *handler

	l *slog.Logger
}

func newInbound(conn net.Conn, h *handler, l *slog.Logger) *inbound {
	return &inbound{
		conn: conn,
		h:    h,
		l:    l,
	}
}

func (i *inbound) readLoop(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		i.conn.Close()
	})

	buf := pool.Get(readBufferSize)[:readBufferSize]

	defer func() {
		stop()
		pool.Put(buf)
		i.h.teardown()
		i.conn.Close()
	}()

	for {
		n, err := i.conn.Read(buf)
		if n > 0 {
			if herr := i.h.handle(buf[:n]); herr != nil {
				i.l.Error("handle buf", "err", herr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				i.l.Error("read conn", "err", err)
			}
			return
		}
	}
}
