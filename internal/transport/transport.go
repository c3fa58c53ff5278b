// Package transport opens the REQ-REP and PUB-SUB channels a benchmark runs
// over and moves wire messages across them.
//
// REQ-REP is served by UDP datagrams, length-prefixed TCP streams, or one QUIC
// stream per request. PUB-SUB is served by Kafka topics (one per symbol) or a
// UDP multicast group shared by all symbols.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/linkbench/internal/wire"
)

var (
	// ErrTimeout is returned when a request gets no matching reply before its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrInvalidEndpoint is returned for endpoints that can never be dialed.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrHandshakeRejected is returned when the peer refuses the session handshake.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrUnauthorized is returned when the peer or broker rejects our credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrMalformedReply is returned when a reply with the expected sequence
	// number does not describe the request it answers, or cannot be decoded.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrMalformedMessage is returned when an inbound publication cannot be
	// decoded or is not for the subscribed symbol.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport closed")
)

// IsPermanent reports whether err can never succeed on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidEndpoint) ||
		errors.Is(err, ErrHandshakeRejected) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrClosed)
}

// IsIntegrity reports whether err describes a bad message rather than a bad link.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrMalformedReply) || errors.Is(err, ErrMalformedMessage)
}

// RoundTrip is the result of a single request. SentAt and ReceivedAt carry
// monotonic clock readings so ReceivedAt.Sub(SentAt) is immune to wall clock
// steps.
type RoundTrip struct {
	Reply      *wire.Message
	SentAt     time.Time
	ReceivedAt time.Time
}

func (rt RoundTrip) Latency() time.Duration {
	return rt.ReceivedAt.Sub(rt.SentAt)
}

// Requester sends a request and waits for its matching reply.
type Requester interface {
	Request(ctx context.Context, req *wire.Message) (RoundTrip, error)
	Close() error
}

// Responder answers requests sent by a Requester of the same kind.
type Responder interface {
	Run(ctx context.Context) error
	Addr() net.Addr
	Close() error
}

// Delivery is an inbound publication stamped on arrival.
type Delivery struct {
	Message    *wire.Message
	ReceivedAt time.Time
}

// Subscription yields publications for a single symbol.
type Subscription interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, symbol string) (Subscription, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, m *wire.Message) error
	Close() error
}

// ValidateEndpoint checks that endpoint is a host:port pair with a usable port.
func ValidateEndpoint(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, endpoint, err)
	}
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("%w: %q: missing host", ErrInvalidEndpoint, endpoint)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("%w: %q: bad port %q", ErrInvalidEndpoint, endpoint, port)
	}
	return nil
}

// matchReply reports whether rep answers req. A reply for another sequence
// number is stale and skipped, while a reply for this sequence number that
// does not echo the request is malformed.
func matchReply(req, rep *wire.Message) (bool, error) {
	if rep.Seq != req.Seq {
		return false, nil
	}
	if rep.Kind != wire.KindReply {
		return false, fmt.Errorf("%w: seq %d has kind %s", ErrMalformedReply, rep.Seq, rep.Kind)
	}
	if rep.Symbol != req.Symbol {
		return false, fmt.Errorf("%w: seq %d symbol %q, expected %q", ErrMalformedReply, rep.Seq, rep.Symbol, req.Symbol)
	}
	return true, nil
}

// ctxErr maps a done context to the error a transport returns. A passed
// deadline is a request timeout.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// deadlineFor returns the context deadline, or now plus fallback.
func deadlineFor(ctx context.Context, fallback time.Duration) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(fallback)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}

// interruptOnDone forces blocked reads and writes on conn to return as soon
// as ctx is done. The returned func must be called once the I/O finishes.
func interruptOnDone(ctx context.Context, conn interface{ SetDeadline(time.Time) error }) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}
