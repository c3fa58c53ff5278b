package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
)

// UDPResponder listens for request datagrams and reflects a reply back to the
// sender.
//
// It runs a single-threaded event loop on one UDP socket with a read timeout,
// so it suits test environments and single-client runs rather than high
// fan-in.
//
// Use Run(ctx) to start it; it blocks until the context is cancelled.
type UDPResponder struct {
	log     *slog.Logger
	conn    *net.UDPConn
	codec   wire.Codec
	timeout time.Duration
	once    sync.Once
}

func NewUDPResponder(log *slog.Logger, addr string, codec wire.Codec, timeout time.Duration) (*UDPResponder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve addr: %v", ErrInvalidEndpoint, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", udpAddr.Port, err)
	}
	return &UDPResponder{
		log:     log,
		conn:    conn,
		codec:   codec,
		timeout: timeout,
	}, nil
}

func (r *UDPResponder) Run(ctx context.Context) error {
	r.log.Info("Starting UDP responder", "address", r.conn.LocalAddr(), "format", r.codec.Format())

	go func() {
		<-ctx.Done()
		r.Close()
	}()

	buf := make([]byte, wire.MaxFrameSize)
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("UDP responder stopped by context", "error", ctx.Err())
			return nil
		default:
		}

		if r.timeout > 0 {
			if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
				if isClosedErr(err) {
					r.log.Debug("UDP responder socket closed")
					return nil
				}
				return fmt.Errorf("error setting read deadline: %w", err)
			}
		}

		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosedErr(err) {
				r.log.Debug("UDP responder socket closed")
				return nil
			}
			r.log.Error("error reading from UDP", "address", addr, "error", err)
			continue
		}

		req, err := r.codec.Unmarshal(buf[:n])
		if err != nil {
			r.log.Debug("Received malformed request", "address", addr, "length", n, "error", err)
			continue
		}
		if req.Kind != wire.KindRequest {
			r.log.Debug("Ignoring non-request message", "address", addr, "kind", req.Kind)
			continue
		}

		payload, err := r.codec.Marshal(req.Reply())
		if err != nil {
			r.log.Error("failed to marshal reply", "error", err)
			continue
		}

		if r.timeout > 0 {
			if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
				r.log.Error("error setting write deadline", "error", err)
				continue
			}
		}

		if _, err := r.conn.WriteToUDP(payload, addr); err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosedErr(err) {
				r.log.Debug("UDP responder socket closed")
				return nil
			}
			r.log.Error("error writing to UDP", "address", addr, "error", err)
			continue
		}
		metrics.Reflected.WithLabelValues(string(KindUDP)).Inc()
	}
}

func (r *UDPResponder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *UDPResponder) Close() error {
	var err error
	r.once.Do(func() {
		r.log.Debug("Closing UDP responder")
		err = r.conn.Close()
	})
	return err
}
