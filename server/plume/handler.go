package plume

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/plumemq/plume/internal/observability"
	"github.com/plumemq/plume/internal/pool"
	"github.com/plumemq/plume/server/plume/proto"
)

const (
	// Handshake lines (CONNECT/PING) are parsed on a dedicated path; the
	// decoder only ever sees the stream that follows.
	phaseHandshake int = iota
	phaseStream
)

const maxHandshakeLine = 4096

var (
	ErrHandshake = errors.New("handshake failed")

	connectPrefix = []byte("CONNECT ")
	pingLine      = []byte("PING")

	okResp   = []byte("+OK\r\n")
	pongResp = []byte("PONG\r\n")
)

type serverInfo struct {
	ServerID   string `json:"server_id"`
	Version    string `json:"version"`
	MaxPayload int    `json:"max_payload"`
}

// handler owns one connection's session: handshake, decoding and dispatch.
type handler struct {
	srv *Server
	out *outbound
	dec *proto.Decoder

	phase     int
	lineBuf   []byte
	connected bool

	l *slog.Logger
}

func newHandler(srv *Server, out *outbound, l *slog.Logger) *handler {
	return &handler{
		srv: srv,
		out: out,
		dec: proto.NewDecoder(),
		l:   l,
	}
}

func (h *handler) sendInfo() error {
	info, err := sonic.Marshal(serverInfo{
		ServerID:   h.srv.id,
		Version:    Version,
		MaxPayload: proto.MaxPayloadSize,
	})
	if err != nil {
		return fmt.Errorf("marshal server info: %w", err)
	}

	frame := pool.Get(len("INFO ") + len(info) + 2)
	frame = append(frame, "INFO "...)
	frame = append(frame, info...)
	frame = append(frame, '\r', '\n')
	h.out.enqueueProto(frame)
	pool.Put(frame)

	return nil
}

// handle consumes one inbound chunk. Any returned error terminates the
// connection: the decoder is left poisoned on purpose and never reused.
func (h *handler) handle(buf []byte) error {
	var i int
	for i < len(buf) {
		switch h.phase {
		case phaseHandshake:
			n, err := h.handleHandshakeChunk(buf[i:])
			if err != nil {
				return err
			}
			i += n
		case phaseStream:
			ev, n, err := h.dec.Decode(buf[i:])
			if err != nil {
				observability.IncDecodeError()
				return fmt.Errorf("decode: %w", err)
			}
			i += n
			if ev != nil {
				h.dispatch(ev)
			}
		}
	}

	return nil
}

func (h *handler) handleHandshakeChunk(buf []byte) (int, error) {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		if len(h.lineBuf)+len(buf) > maxHandshakeLine {
			return 0, fmt.Errorf("%w: line too long", ErrHandshake)
		}
		h.lineBuf = append(h.lineBuf, buf...)
		return len(buf), nil
	}

	line := buf[:idx]
	if len(h.lineBuf) > 0 {
		line = append(h.lineBuf, line...)
	}
	line = bytes.TrimRight(line, "\r")

	if err := h.handshakeLine(line); err != nil {
		return 0, err
	}
	h.lineBuf = nil

	return idx + 1, nil
}

func (h *handler) handshakeLine(line []byte) error {
	switch {
	case bytes.HasPrefix(line, connectPrefix):
		var opts map[string]any
		if err := sonic.Unmarshal(line[len(connectPrefix):], &opts); err != nil {
			return fmt.Errorf("%w: invalid CONNECT json", ErrHandshake)
		}
		h.connected = true
	case bytes.Equal(line, pingLine):
		if !h.connected {
			return fmt.Errorf("%w: PING before CONNECT", ErrHandshake)
		}
		h.out.enqueueProto(pongResp)
		h.phase = phaseStream
	default:
		return fmt.Errorf("%w: unexpected line %q", ErrHandshake, line)
	}

	return nil
}

func (h *handler) dispatch(ev proto.Event) {
	switch e := ev.(type) {
	case *proto.Sub:
		observability.IncFrame("SUB")
		h.srv.reg.add(&subEntry{
			out:     h.out,
			sid:     e.SID,
			subject: e.Subject,
			queue:   e.Queue,
		})
		h.out.enqueueProto(okResp)
		h.l.Debug("subscribed", "subject", e.Subject, "sid", e.SID, "queue", e.Queue)
	case *proto.Pub:
		observability.IncFrame("PUB")
		h.deliver(e)
	}
}

// deliver fans a published payload out to every exact-subject match. Frames
// are built eagerly because the event payload only lives until the next
// decode; the enqueue itself runs on the dispatch pool.
func (h *handler) deliver(e *proto.Pub) {
	entries := h.srv.reg.match(e.Subject)
	if len(entries) == 0 {
		return
	}

	for _, entry := range entries {
		frame := pool.Get(proto.MsgFrameLen(e.Subject, entry.sid, len(e.Payload)))
		frame = proto.AppendMsg(frame, e.Subject, entry.sid, e.Payload)

		entry := entry
		task := func() {
			entry.out.enqueueProto(frame)
			pool.Put(frame)
		}
		if err := h.srv.dpool.Submit(task); err != nil {
			task()
		}
	}
}

// teardown drops this connection's subscriptions and closes its outbound.
func (h *handler) teardown() {
	h.srv.reg.dropOutbound(h.out)
	h.out.close()
}
