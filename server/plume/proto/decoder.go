// Package proto implements the incremental decoder for the plume wire
// protocol: CRLF-terminated SUB and PUB frames with length-declared payloads.
package proto

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/plumemq/plume/internal/pool"
)

const (
	// BufLen is the fixed capacity of the decoder's scratch buffer. Argument
	// lines must fit into it; payloads spill into a pooled overflow buffer
	// when they don't.
	BufLen = 512

	// MaxPayloadSize is the upper bound for a declared PUB payload size.
	MaxPayloadSize = 1024 * 1024
)

const (
	OP_START int = iota

	OP_P
	OP_PU
	OP_PUB
	OP_PUB_SPACE
	OP_PUB_ARG

	OP_S
	OP_SU
	OP_SUB
	OP_SUB_SPACE
	OP_SUB_ARG

	OP_MSG_PAYLOAD
	OP_MSG_CR
	OP_MSG_END

	OP_FAILED
)

var (
	ErrParseProto  = errors.New("parse proto")
	ErrMsgTooLarge = errors.New("message size out of bounds")

	// ErrDecoderFailed is returned by Decode after a previous call failed.
	// The decoder stays poisoned until Reset.
	ErrDecoderFailed = errors.New("decoder failed, reset required")
)

// Event is a decoded protocol frame: *Sub or *Pub.
type Event interface {
	event()
}

// Sub is a decoded SUB frame.
type Sub struct {
	Subject string
	SID     string
	Queue   string // empty when the frame carried no queue group
}

func (*Sub) event() {}

// Pub is a decoded PUB frame. Payload aliases decoder-owned memory and is
// only valid until the next Decode or Reset call.
type Pub struct {
	Subject  string
	SizeText string
	Size     int
	Payload  []byte
}

func (*Pub) event() {}

type pubArgs struct {
	subject  string
	sizeText string
}

// Decoder turns an arbitrary byte stream into protocol events. It is
// stateful and must not be used from multiple goroutines. Verb letters are
// matched case-insensitively.
type Decoder struct {
	state  int
	buf    [BufLen]byte
	argLen int

	pa       pubArgs
	msgBuf   []byte // pooled overflow, allocated only when the payload can't fit the scratch buffer
	msgTotal int
	msgLen   int

	err error
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode consumes bytes from buf and returns at most one event plus the
// number of bytes consumed. A nil event with n == len(buf) means the current
// frame is incomplete. The caller must resume the next call exactly at n
// bytes into the stream.
//
// On error the decoder is poisoned: every subsequent Decode returns the same
// error until Reset is called. Callers are expected to drop the connection
// (or Reset) rather than continue feeding.
func (d *Decoder) Decode(buf []byte) (Event, int, error) {
	if d.err != nil {
		return nil, 0, d.err
	}

	// Overflow from the previously emitted frame is released lazily so the
	// returned payload stays valid between calls.
	if d.state == OP_START && d.msgBuf != nil {
		pool.Put(d.msgBuf)
		d.msgBuf = nil
	}

	var (
		i int
		b byte
	)

	for i = 0; i < len(buf); i++ {
		b = buf[i]

		switch d.state {
		case OP_START:
			switch b {
			case 'P', 'p':
				d.state = OP_P
			case 'S', 's':
				d.state = OP_S
			default:
				return nil, i, d.fail(fmt.Errorf("%w: invalid op start %q", ErrParseProto, b))
			}
		case OP_P:
			switch b {
			case 'U', 'u':
				d.state = OP_PU
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_PU:
			switch b {
			case 'B', 'b':
				d.state = OP_PUB
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_PUB:
			switch b {
			case ' ', '\t':
				d.state = OP_PUB_SPACE
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_PUB_SPACE:
			switch b {
			case ' ', '\t':
			default:
				d.state = OP_PUB_ARG
				d.argLen = 0
				i--
			}
		case OP_PUB_ARG:
			switch b {
			case '\r':
			case '\n':
				size, err := d.processPubArgs()
				if err != nil {
					return nil, i, d.fail(err)
				}
				if size == 0 || size > MaxPayloadSize {
					return nil, i, d.fail(fmt.Errorf("%w: %d", ErrMsgTooLarge, size))
				}
				if size+d.argLen > BufLen {
					d.msgBuf = pool.Get(size)
				}
				d.msgTotal = size
				d.msgLen = 0
				d.state = OP_MSG_PAYLOAD
			default:
				if err := d.addArg(b); err != nil {
					return nil, i, d.fail(err)
				}
			}
		case OP_MSG_PAYLOAD:
			if d.msgLen < d.msgTotal {
				toCopy := d.msgTotal - d.msgLen
				if avail := len(buf) - i; avail < toCopy {
					toCopy = avail
				}
				d.addMsg(buf[i : i+toCopy])
				i += toCopy - 1
			} else {
				d.state = OP_MSG_CR
				i--
			}
		case OP_MSG_CR:
			switch b {
			case '\r':
				d.state = OP_MSG_END
			default:
				return nil, i, d.fail(fmt.Errorf("%w: missing CR after payload", ErrParseProto))
			}
		case OP_MSG_END:
			switch b {
			case ' ', '\t':
			case '\n':
				ev := d.processPub()
				d.state = OP_START
				d.argLen, d.msgTotal, d.msgLen, d.pa = 0, 0, 0, pubArgs{}
				return ev, i + 1, nil
			default:
				return nil, i, d.fail(fmt.Errorf("%w: invalid payload trailer %q", ErrParseProto, b))
			}
		case OP_S:
			switch b {
			case 'U', 'u':
				d.state = OP_SU
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_SU:
			switch b {
			case 'B', 'b':
				d.state = OP_SUB
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_SUB:
			switch b {
			case ' ', '\t':
				d.state = OP_SUB_SPACE
			default:
				return nil, i, d.fail(ErrParseProto)
			}
		case OP_SUB_SPACE:
			switch b {
			case ' ', '\t':
			default:
				d.state = OP_SUB_ARG
				d.argLen = 0
				i--
			}
		case OP_SUB_ARG:
			switch b {
			case '\r':
			case '\n':
				ev, err := d.processSub()
				if err != nil {
					return nil, i, d.fail(err)
				}
				d.state = OP_START
				d.argLen = 0
				return ev, i + 1, nil
			default:
				if err := d.addArg(b); err != nil {
					return nil, i, d.fail(err)
				}
			}
		default:
			return nil, i, d.fail(ErrParseProto)
		}
	}

	return nil, len(buf), nil
}

// Reset returns the decoder to its initial state, releasing any overflow
// buffer and clearing a previous decode error.
func (d *Decoder) Reset() {
	if d.msgBuf != nil {
		pool.Put(d.msgBuf)
	}
	*d = Decoder{}
}

func (d *Decoder) fail(err error) error {
	d.state = OP_FAILED
	d.err = fmt.Errorf("%w: %w", ErrDecoderFailed, err)
	return err
}

func (d *Decoder) addArg(b byte) error {
	if d.argLen >= BufLen {
		return fmt.Errorf("%w: argument line too long", ErrParseProto)
	}
	d.buf[d.argLen] = b
	d.argLen++
	return nil
}

func (d *Decoder) addMsg(chunk []byte) {
	if d.msgBuf != nil {
		d.msgBuf = append(d.msgBuf, chunk...)
	} else {
		copy(d.buf[d.argLen+d.msgLen:], chunk)
	}
	d.msgLen += len(chunk)
}

// processSub splits the buffered argument line into subject, optional queue
// group and the trailing sid. Exactly 2 or 3 tokens are accepted.
func (d *Decoder) processSub() (*Sub, error) {
	args := bytes.Fields(d.buf[:d.argLen])

	sub := &Sub{}
	switch len(args) {
	case 2:
		sub.Subject = string(args[0])
		sub.SID = string(args[1])
	case 3:
		sub.Subject = string(args[0])
		sub.Queue = string(args[1])
		sub.SID = string(args[2])
	default:
		return nil, fmt.Errorf("%w: SUB wants 2 or 3 args, got %d", ErrParseProto, len(args))
	}

	return sub, nil
}

// processPubArgs scans the declared payload size from the end of the
// argument line and validates that exactly one subject token precedes it.
func (d *Decoder) processPubArgs() (int, error) {
	arg := d.buf[:d.argLen]

	pos := bytes.LastIndexAny(arg, " \t")
	if pos < 0 {
		return 0, fmt.Errorf("%w: PUB size delimiter not found", ErrParseProto)
	}

	sizeText := arg[pos+1:]
	size, err := strconv.Atoi(string(sizeText))
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: invalid PUB size %q", ErrParseProto, sizeText)
	}

	subjects := bytes.Fields(arg[:pos])
	if len(subjects) != 1 {
		return 0, fmt.Errorf("%w: PUB wants 2 args, got %d", ErrParseProto, len(subjects)+1)
	}

	d.pa.subject = string(subjects[0])
	d.pa.sizeText = string(sizeText)

	return size, nil
}

func (d *Decoder) processPub() *Pub {
	payload := d.msgBuf
	if payload == nil {
		payload = d.buf[d.argLen : d.argLen+d.msgTotal]
	}

	return &Pub{
		Subject:  d.pa.subject,
		SizeText: d.pa.sizeText,
		Size:     d.msgTotal,
		Payload:  payload,
	}
}
