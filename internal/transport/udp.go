package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
)

const (
	defaultRequestTimeout = 1 * time.Second

	// pendingTTL bounds how long an unanswered sequence number is remembered,
	// and so how late a reply can be and still count as late.
	pendingTTL = 5 * time.Minute
)

// UDPRequester sends each request as a single datagram and waits for the
// reflected datagram with the same sequence number.
//
// The socket is dialed lazily on the first request so resolution and dial
// failures surface as retryable request errors.
//
// Sequence numbers that were sent but not yet answered are kept in a TTL
// cache. A reply for one of them that arrives while waiting on a later request
// is counted as late; a reply for any other sequence number is unsolicited.
type UDPRequester struct {
	log      *slog.Logger
	endpoint string
	codec    wire.Codec
	timeout  time.Duration
	nowFunc  func() time.Time

	mu   sync.Mutex // serializes requests and protects conn
	conn *net.UDPConn
	buf  []byte

	pending     *ttlcache.Cache[uint64, struct{}]
	late        atomic.Uint64
	unsolicited atomic.Uint64

	once   sync.Once
	closed bool
}

func NewUDPRequester(log *slog.Logger, endpoint string, codec wire.Codec, timeout time.Duration) (*UDPRequester, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	pending := ttlcache.New(
		ttlcache.WithTTL[uint64, struct{}](pendingTTL),
		ttlcache.WithDisableTouchOnHit[uint64, struct{}](),
	)
	go pending.Start()
	return &UDPRequester{
		log:      log,
		endpoint: endpoint,
		codec:    codec,
		timeout:  timeout,
		nowFunc:  time.Now,
		buf:      make([]byte, wire.MaxFrameSize),
		pending:  pending,
	}, nil
}

func (r *UDPRequester) dial(ctx context.Context) (*net.UDPConn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", r.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", r.endpoint, err)
	}
	r.conn = conn.(*net.UDPConn)
	return r.conn, nil
}

// Request sends req and returns the round trip of its reply.
//
// Replies for other sequence numbers are skipped. A sequence number may be
// reused; it is pending again from the moment it is sent.
func (r *UDPRequester) Request(ctx context.Context, req *wire.Message) (RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return RoundTrip{}, ErrClosed
	}

	payload, err := r.codec.Marshal(req)
	if err != nil {
		return RoundTrip{}, fmt.Errorf("marshal request: %w", err)
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return RoundTrip{}, err
	}

	if err := conn.SetDeadline(deadlineFor(ctx, r.timeout)); err != nil {
		return RoundTrip{}, fmt.Errorf("error setting deadline: %w", err)
	}
	stop := interruptOnDone(ctx, conn)
	defer stop()

	r.pending.Set(req.Seq, struct{}{}, ttlcache.DefaultTTL)
	sentAt := r.nowFunc()
	if _, err := conn.Write(payload); err != nil {
		return RoundTrip{}, r.ioErr(ctx, "write", err)
	}

	for {
		n, err := conn.Read(r.buf)
		if err != nil {
			return RoundTrip{}, r.ioErr(ctx, "read", err)
		}
		receivedAt := r.nowFunc()

		rep, err := r.codec.Unmarshal(r.buf[:n])
		if err != nil {
			return RoundTrip{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}

		ok, err := matchReply(req, rep)
		if err != nil {
			return RoundTrip{}, err
		}
		if !ok {
			r.skip(req, rep)
			continue
		}
		r.pending.Delete(rep.Seq)

		return RoundTrip{Reply: rep, SentAt: sentAt, ReceivedAt: receivedAt}, nil
	}
}

// skip accounts for a reply that does not answer req.
func (r *UDPRequester) skip(req, rep *wire.Message) {
	if r.pending.Has(rep.Seq) {
		r.pending.Delete(rep.Seq)
		r.late.Add(1)
		metrics.LateReplies.WithLabelValues(string(KindUDP)).Inc()
		r.log.Debug("Ignoring late reply to abandoned request", "sent_seq", req.Seq, "received_seq", rep.Seq)
		return
	}
	r.unsolicited.Add(1)
	metrics.Errors.WithLabelValues(metrics.ErrorTypeUnsolicitedReply).Inc()
	r.log.Debug("Ignoring unsolicited reply", "sent_seq", req.Seq, "received_seq", rep.Seq)
}

// LateReplies returns the number of replies that arrived after their request
// had been abandoned.
func (r *UDPRequester) LateReplies() uint64 { return r.late.Load() }

// UnsolicitedReplies returns the number of replies for sequence numbers that
// were never sent or were already answered.
func (r *UDPRequester) UnsolicitedReplies() uint64 { return r.unsolicited.Load() }

func (r *UDPRequester) ioErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, op, r.endpoint)
	}
	if isClosedErr(err) {
		return ErrClosed
	}
	return fmt.Errorf("failed to %s UDP: %w", op, err)
}

// LocalAddr returns the local address of the requester socket, or nil before
// the first request.
func (r *UDPRequester) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *UDPRequester) Close() error {
	var err error
	r.once.Do(func() {
		r.pending.Stop()
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		if r.conn != nil {
			err = r.conn.Close()
		}
	})
	return err
}
