// Package client implements the plume client: broker endpoint selection,
// connection handshake, subscription tracking and bounded reconnection.
//
// A Client is single-threaded by design: every call blocks on synchronous
// I/O and no internal locking is done. Concurrent use requires an external
// mutual-exclusion boundary around the whole Client.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/plumemq/plume/server/plume/proto"
)

const (
	URIScheme   = "plume"
	DefaultPort = 4222

	retriesMax = 5

	// Circuit breaker: bounded rounds over the full candidate set with a
	// fixed cool-down in between. Once exhausted, connect fails
	// definitively instead of blocking forever.
	roundsBeforeBreaking = 4
	waitBetweenRounds    = 250 * time.Millisecond
)

type endpoint struct {
	host string
	port int
}

func (e endpoint) addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// Subscription is the registered metadata for one sid.
type Subscription struct {
	Subject string
	Queue   string // empty when none
}

// Channel correlates server deliveries to a subscription.
type Channel struct {
	SID uint64
}

type connectOptions struct{}

// Client owns the candidate endpoint list, at most one active connection and
// the subscription registry.
type Client struct {
	endpoints []endpoint
	epIdx     int

	state *connState

	sid  uint64
	subs map[uint64]Subscription

	dial        Dialer
	sleep       func(d time.Duration)
	resubscribe bool

	l *slog.Logger
}

// New parses and validates broker URIs (plume://host[:port]), shuffles the
// resulting endpoints for basic distribution across equally valid
// candidates, and returns a disconnected Client. The first connection is
// established lazily.
func New(uris []string, opts ...Option) (*Client, error) {
	if len(uris) == 0 {
		return nil, ErrNoEndpoints
	}

	endpoints := make([]endpoint, 0, len(uris))
	for _, uri := range uris {
		ep, err := parseEndpoint(uri)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}

	rand.Shuffle(len(endpoints), func(i, j int) {
		endpoints[i], endpoints[j] = endpoints[j], endpoints[i]
	})

	c := &Client{
		endpoints:   endpoints,
		sid:         1,
		subs:        make(map[uint64]Subscription),
		dial:        tcpDialer,
		sleep:       time.Sleep,
		resubscribe: true,
		l:           slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func parseEndpoint(uri string) (endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse uri %q: %w", uri, err)
	}

	if u.Scheme != URIScheme {
		return endpoint{}, fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return endpoint{}, fmt.Errorf("%w: %q", ErrMissingHost, uri)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return endpoint{}, fmt.Errorf("parse port in %q: %w", uri, err)
		}
	}

	return endpoint{host: host, port: port}, nil
}

// Endpoints returns the resolved host:port candidates in their current
// (shuffled) order.
func (c *Client) Endpoints() []string {
	addrs := make([]string, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		addrs = append(addrs, ep.addr())
	}
	return addrs
}

// Subscriptions returns a copy of the registry keyed by sid.
func (c *Client) Subscriptions() map[uint64]Subscription {
	return maps.Clone(c.subs)
}

// Subscribe registers interest in subject and returns the allocated channel
// after the broker acknowledged the SUB frame.
func (c *Client) Subscribe(subject string) (Channel, error) {
	return c.subscribeQueue(subject, "")
}

// QueueSubscribe is Subscribe with a queue group. Queue semantics beyond
// registration are broker-side.
func (c *Client) QueueSubscribe(subject, queue string) (Channel, error) {
	return c.subscribeQueue(subject, queue)
}

func (c *Client) subscribeQueue(subject, queue string) (Channel, error) {
	if err := checkToken(subject, ErrSubjectWhitespace); err != nil {
		return Channel{}, err
	}
	if queue != "" {
		if err := checkToken(queue, ErrQueueWhitespace); err != nil {
			return Channel{}, err
		}
	}

	if err := c.connectIfNeeded(); err != nil {
		return Channel{}, err
	}

	// Speculative sid: committed to the counter and the registry only
	// after the broker acknowledged.
	sid := c.sid
	sub := Subscription{Subject: subject, Queue: queue}
	cmd := appendSubCmd(nil, sub, sid)

	err := c.withReconnect(func(st *connState) error {
		if err := st.write(cmd); err != nil {
			return err
		}
		return c.waitOK(st)
	})
	if err != nil {
		return Channel{}, err
	}

	c.sid++
	c.subs[sid] = sub

	return Channel{SID: sid}, nil
}

// Publish sends a PUB frame. The broker does not acknowledge publishes.
func (c *Client) Publish(subject string, payload []byte) error {
	if err := checkToken(subject, ErrSubjectWhitespace); err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > proto.MaxPayloadSize {
		return fmt.Errorf("%w: %d", proto.ErrMsgTooLarge, len(payload))
	}

	if err := c.connectIfNeeded(); err != nil {
		return err
	}

	cmd := fmt.Appendf(nil, "PUB %s %d\r\n", subject, len(payload))
	cmd = append(cmd, payload...)
	cmd = append(cmd, '\r', '\n')

	return c.withReconnect(func(st *connState) error {
		return st.write(cmd)
	})
}

// Close drops the active connection, if any. The subscription registry is
// kept: a later operation reconnects and replays it.
func (c *Client) Close() error {
	if c.state == nil {
		return nil
	}
	err := c.state.Close()
	c.state = nil
	return err
}

// withReconnect submits op against a valid connection up to retriesMax
// times. Each attempt first confirms or re-establishes the connection; a
// failed attempt invalidates the state so the next one reconnects. Only the
// terminal result is surfaced. Connect failures are terminal themselves:
// connect already runs its own bounded candidate rounds.
func (c *Client) withReconnect(op func(st *connState) error) error {
	var err error
	for range retriesMax {
		if c.state == nil {
			if cerr := c.connect(); cerr != nil {
				return cerr
			}
		}

		err = op(c.state)
		if err == nil {
			return nil
		}

		c.l.Debug("operation failed, dropping connection", "err", err)
		c.dropState()
	}

	return err
}

func (c *Client) connectIfNeeded() error {
	if c.state != nil {
		return nil
	}
	return c.connect()
}

// connect iterates candidates starting at the current index for up to
// roundsBeforeBreaking rounds over the full set, pausing waitBetweenRounds
// after each round. On success exactly one valid state is installed; on
// failure none is.
func (c *Client) connect() error {
	c.dropState()

	count := len(c.endpoints)
	for range roundsBeforeBreaking {
		for range count {
			err := c.tryConnect()
			if err == nil {
				if c.state == nil {
					panic("plume client: connect succeeded with no state installed")
				}
				if c.resubscribe {
					if rerr := c.replaySubscriptions(); rerr != nil {
						c.dropState()
						return rerr
					}
				}
				return nil
			}

			c.l.Debug("connect candidate failed",
				"addr", c.endpoints[c.epIdx].addr(), "err", err)
			c.epIdx = (c.epIdx + 1) % count
		}

		c.sleep(waitBetweenRounds)
	}

	return ErrClusterUnreachable
}

// tryConnect performs the handshake against the current candidate: read one
// INFO line carrying a JSON object, send CONNECT and PING, require PONG.
func (c *Client) tryConnect() error {
	ep := c.endpoints[c.epIdx]

	rwc, err := c.dial(ep.addr())
	if err != nil {
		return err
	}
	st := newConnState(rwc)

	line, err := st.readLine()
	if err != nil {
		st.Close()
		return err
	}
	if len(line) < len("INFO {}") {
		st.Close()
		return fmt.Errorf("%w: %q", ErrIncompleteResponse, trimLine(line))
	}
	if !strings.HasPrefix(line, "INFO ") {
		st.Close()
		return fmt.Errorf("%w: %q", ErrServerProto, trimLine(line))
	}

	// The INFO payload is validated as a JSON object but not consumed:
	// auth/TLS/max-payload negotiation is out of scope.
	var info map[string]any
	if err := sonic.UnmarshalString(strings.TrimSpace(line[len("INFO "):]), &info); err != nil {
		st.Close()
		return fmt.Errorf("%w: invalid INFO json: %q", ErrServerProto, trimLine(line))
	}

	connectJSON, err := sonic.Marshal(connectOptions{})
	if err != nil {
		st.Close()
		return fmt.Errorf("marshal connect options: %w", err)
	}
	if err := st.write(fmt.Appendf(nil, "CONNECT %s\nPING\n", connectJSON)); err != nil {
		st.Close()
		return err
	}

	line, err = st.readLine()
	if err != nil {
		st.Close()
		return err
	}
	if line != "PONG\r\n" {
		st.Close()
		return fmt.Errorf("%w: %q", ErrServerProto, trimLine(line))
	}

	c.state = st
	c.l.Debug("connected", "addr", ep.addr())

	return nil
}

// replaySubscriptions re-sends SUB frames for every registered subscription
// in ascending sid order over a freshly established connection.
func (c *Client) replaySubscriptions() error {
	for _, sid := range slices.Sorted(maps.Keys(c.subs)) {
		if err := c.state.write(appendSubCmd(nil, c.subs[sid], sid)); err != nil {
			return err
		}
		if err := c.waitOK(c.state); err != nil {
			return err
		}
	}
	return nil
}

// waitOK reads acknowledgment lines. Keepalive PINGs interleaved before the
// +OK are answered transparently.
func (c *Client) waitOK(st *connState) error {
	for {
		line, err := st.readLine()
		if err != nil {
			return err
		}
		if len(line) < len("OK\r\n") {
			return fmt.Errorf("%w: %q", ErrIncompleteResponse, trimLine(line))
		}

		switch line {
		case "+OK\r\n":
			return nil
		case "PING\r\n":
			if err := st.write([]byte("PONG\r\n")); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q", ErrServerProto, trimLine(line))
		}
	}
}

func (c *Client) dropState() {
	if c.state != nil {
		c.state.Close()
		c.state = nil
	}
}

func appendSubCmd(dst []byte, sub Subscription, sid uint64) []byte {
	if sub.Queue == "" {
		return fmt.Appendf(dst, "SUB %s %d\r\n", sub.Subject, sid)
	}
	return fmt.Appendf(dst, "SUB %s %s %d\r\n", sub.Subject, sub.Queue, sid)
}

func checkToken(token string, errWhitespace error) error {
	if strings.ContainsAny(token, " \t") {
		return errWhitespace
	}
	return nil
}

func trimLine(line string) string {
	return strings.TrimRight(line, "\r\n")
}
