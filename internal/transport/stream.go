package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
)

// TCPRequester sends length-prefixed requests over one persistent TCP
// connection. The connection is dialed lazily and dropped after any error so
// the next attempt starts from a clean stream.
type TCPRequester struct {
	log      *slog.Logger
	endpoint string
	codec    wire.Codec
	timeout  time.Duration
	nowFunc  func() time.Time

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func NewTCPRequester(log *slog.Logger, endpoint string, codec wire.Codec, timeout time.Duration) (*TCPRequester, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &TCPRequester{
		log:      log,
		endpoint: endpoint,
		codec:    codec,
		timeout:  timeout,
		nowFunc:  time.Now,
	}, nil
}

func (r *TCPRequester) Request(ctx context.Context, req *wire.Message) (RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return RoundTrip{}, ErrClosed
	}

	payload, err := r.codec.Marshal(req)
	if err != nil {
		return RoundTrip{}, fmt.Errorf("marshal request: %w", err)
	}

	if r.conn == nil {
		var dialer net.Dialer
		dialCtx, cancel := context.WithDeadline(ctx, deadlineFor(ctx, r.timeout))
		conn, err := dialer.DialContext(dialCtx, "tcp", r.endpoint)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return RoundTrip{}, ctxErr(ctx)
			}
			return RoundTrip{}, fmt.Errorf("failed to dial %s: %w", r.endpoint, err)
		}
		r.log.Debug("Connected", "endpoint", r.endpoint, "local", conn.LocalAddr())
		r.conn = conn
	}

	rt, err := r.roundTrip(ctx, r.conn, req, payload)
	if err != nil {
		_ = r.conn.Close()
		r.conn = nil
		return RoundTrip{}, err
	}
	return rt, nil
}

func (r *TCPRequester) roundTrip(ctx context.Context, conn net.Conn, req *wire.Message, payload []byte) (RoundTrip, error) {
	if err := conn.SetDeadline(deadlineFor(ctx, r.timeout)); err != nil {
		return RoundTrip{}, fmt.Errorf("error setting deadline: %w", err)
	}
	stop := interruptOnDone(ctx, conn)
	defer stop()

	sentAt := r.nowFunc()
	if err := wire.WriteFrame(conn, payload); err != nil {
		return RoundTrip{}, streamErr(ctx, "write", err)
	}

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, wire.ErrInvalidMessage) {
				return RoundTrip{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
			}
			return RoundTrip{}, streamErr(ctx, "read", err)
		}
		receivedAt := r.nowFunc()

		rep, err := r.codec.Unmarshal(frame)
		if err != nil {
			return RoundTrip{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
		}
		ok, err := matchReply(req, rep)
		if err != nil {
			return RoundTrip{}, err
		}
		if !ok {
			r.log.Debug("Ignoring stale reply", "sent_seq", req.Seq, "received_seq", rep.Seq)
			continue
		}
		return RoundTrip{Reply: rep, SentAt: sentAt, ReceivedAt: receivedAt}, nil
	}
}

func (r *TCPRequester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func streamErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctxErr(ctx)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s", ErrTimeout, op)
	}
	if isClosedErr(err) {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("connection closed by peer during %s: %w", op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// TCPResponder accepts TCP connections and answers every request frame on
// each of them.
type TCPResponder struct {
	log      *slog.Logger
	listener net.Listener
	codec    wire.Codec
	timeout  time.Duration
	once     sync.Once

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func NewTCPResponder(log *slog.Logger, addr string, codec wire.Codec, timeout time.Duration) (*TCPResponder, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &TCPResponder{
		log:      log,
		listener: listener,
		codec:    codec,
		timeout:  timeout,
		conns:    make(map[net.Conn]struct{}),
	}, nil
}

func (r *TCPResponder) Run(ctx context.Context) error {
	r.log.Info("Starting TCP responder", "address", r.listener.Addr(), "format", r.codec.Format())

	go func() {
		<-ctx.Done()
		r.Close()
	}()
	defer r.wg.Wait()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedErr(err) {
				r.log.Debug("TCP responder listener closed")
				return nil
			}
			r.log.Error("error accepting connection", "error", err)
			continue
		}

		r.mu.Lock()
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				r.mu.Lock()
				delete(r.conns, conn)
				r.mu.Unlock()
				conn.Close()
			}()
			r.serve(conn)
		}()
	}
}

func (r *TCPResponder) serve(conn net.Conn) {
	log := r.log.With("remote", conn.RemoteAddr())
	log.Debug("Accepted connection")

	// Reads block without a deadline; Close unblocks them by closing conn.
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				log.Debug("Closing connection after read error", "error", err)
			}
			return
		}

		req, err := r.codec.Unmarshal(frame)
		if err != nil {
			log.Debug("Received malformed request, closing connection", "error", err)
			return
		}
		if req.Kind != wire.KindRequest {
			log.Debug("Ignoring non-request message", "kind", req.Kind)
			continue
		}

		payload, err := r.codec.Marshal(req.Reply())
		if err != nil {
			log.Error("failed to marshal reply", "error", err)
			return
		}
		if r.timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
				return
			}
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			log.Debug("Closing connection after write error", "error", err)
			return
		}
		metrics.Reflected.WithLabelValues(string(KindTCP)).Inc()
	}
}

func (r *TCPResponder) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *TCPResponder) Close() error {
	var err error
	r.once.Do(func() {
		r.log.Debug("Closing TCP responder")
		err = r.listener.Close()
		r.mu.Lock()
		for conn := range r.conns {
			conn.Close()
		}
		r.mu.Unlock()
	})
	return err
}
