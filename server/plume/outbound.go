package plume

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plumemq/plume/internal/pool"
)

// outbound is the per-connection write queue. Producers enqueue proto bytes
// from any goroutine; a single writeLoop flushes them to the connection
// under a write deadline.
type outbound struct {
	v  net.Buffers
	pb int64 // pending bytes

	conn net.Conn
	wdl  time.Duration

	mu     sync.Mutex
	c      *sync.Cond
	closed atomic.Bool

	l *slog.Logger
}

func newOutbound(conn net.Conn, wdl time.Duration, l *slog.Logger) *outbound {
	o := &outbound{
		conn: conn,
		wdl:  wdl,
		l:    l,
	}
	o.c = sync.NewCond(&o.mu)

	return o
}

func (o *outbound) writeLoop() {
	for {
		o.mu.Lock()
		for o.pb == 0 && !o.closed.Load() {
			o.c.Wait()
		}
		if o.closed.Load() && o.pb == 0 {
			o.mu.Unlock()
			return
		}

		detached := o.v
		o.v = nil
		o.pb = 0
		o.mu.Unlock()

		bufs := detached

		if o.wdl > 0 {
			_ = o.conn.SetWriteDeadline(time.Now().Add(o.wdl))
		}
		_, err := detached.WriteTo(o.conn)
		if o.wdl > 0 {
			_ = o.conn.SetWriteDeadline(time.Time{})
		}

		for i := range bufs {
			pool.Put(bufs[i])
		}

		if err != nil {
			o.l.Error("write conn", "err", err)
			o.close()
			return
		}
	}
}

// enqueueProto copies data onto the queue and signals the write loop. Safe
// for concurrent use; a closed outbound drops the data silently.
func (o *outbound) enqueueProto(data []byte) {
	if o.closed.Load() {
		return
	}

	o.mu.Lock()
	o.pb += int64(len(data))

	toBuffer := data
	if len(o.v) > 0 {
		last := &o.v[len(o.v)-1]
		if free := cap(*last) - len(*last); free > 0 {
			if l := len(toBuffer); l < free {
				free = l
			}
			*last = append(*last, toBuffer[:free]...)
			toBuffer = toBuffer[free:]
		}
	}

	for len(toBuffer) > 0 {
		buf := pool.Get(len(toBuffer))
		n := copy(buf[:cap(buf)], toBuffer)
		o.v = append(o.v, buf[:n])
		toBuffer = toBuffer[n:]
	}
	o.mu.Unlock()

	o.c.Signal()
}

func (o *outbound) close() {
	o.closed.Store(true)
	o.c.Broadcast()
}
