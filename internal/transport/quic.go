package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
	"github.com/quic-go/quic-go"
)

const (
	// DefaultQUICProtocol is the ALPN token both ends must agree on.
	DefaultQUICProtocol = "linkbench"

	quicCommonName = "linkbench"
)

// QUICConfig tunes the QUIC session used by the requester and responder.
type QUICConfig struct {
	// Protocol is the ALPN token, defaulting to DefaultQUICProtocol.
	Protocol             string
	MaxIdleTimeout       time.Duration
	HandshakeIdleTimeout time.Duration
	KeepAlivePeriod      time.Duration
}

func (c QUICConfig) protocol() string {
	if c.Protocol == "" {
		return DefaultQUICProtocol
	}
	return c.Protocol
}

func (c QUICConfig) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.MaxIdleTimeout,
		HandshakeIdleTimeout: c.HandshakeIdleTimeout,
		KeepAlivePeriod:      c.KeepAlivePeriod,
	}
}

// QUICRequester sends each request on its own bidirectional stream of a
// shared QUIC connection. Head-of-line blocking between requests is avoided
// and a late reply can never be read by the next request.
type QUICRequester struct {
	log      *slog.Logger
	endpoint string
	codec    wire.Codec
	timeout  time.Duration
	cfg      QUICConfig
	nowFunc  func() time.Time

	mu     sync.Mutex
	conn   *quic.Conn
	closed bool
}

func NewQUICRequester(log *slog.Logger, endpoint string, codec wire.Codec, timeout time.Duration, cfg QUICConfig) (*QUICRequester, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &QUICRequester{
		log:      log,
		endpoint: endpoint,
		codec:    codec,
		timeout:  timeout,
		cfg:      cfg,
		nowFunc:  time.Now,
	}, nil
}

func (r *QUICRequester) connect(ctx context.Context) (*quic.Conn, error) {
	if r.conn != nil {
		select {
		case <-r.conn.Context().Done():
			r.log.Debug("QUIC connection closed, redialing", "cause", context.Cause(r.conn.Context()))
			r.conn = nil
		default:
			return r.conn, nil
		}
	}

	tlsConf, err := newSelfSignedTLSConfig(r.cfg.protocol())
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	dialCtx, cancel := context.WithDeadline(ctx, deadlineFor(ctx, r.timeout))
	defer cancel()
	conn, err := quic.DialAddr(dialCtx, r.endpoint, tlsConf, r.cfg.quicConfig())
	if err != nil {
		if isHandshakeRejected(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrHandshakeRejected, r.endpoint, err)
		}
		if ctx.Err() != nil {
			return nil, ctxErr(ctx)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", r.endpoint, err)
	}
	r.log.Debug("Connected", "endpoint", r.endpoint, "local", conn.LocalAddr())
	r.conn = conn
	return conn, nil
}

func (r *QUICRequester) Request(ctx context.Context, req *wire.Message) (RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return RoundTrip{}, ErrClosed
	}

	payload, err := r.codec.Marshal(req)
	if err != nil {
		return RoundTrip{}, fmt.Errorf("marshal request: %w", err)
	}

	conn, err := r.connect(ctx)
	if err != nil {
		return RoundTrip{}, err
	}

	reqCtx, cancel := context.WithDeadline(ctx, deadlineFor(ctx, r.timeout))
	defer cancel()

	stream, err := conn.OpenStreamSync(reqCtx)
	if err != nil {
		if ctx.Err() != nil {
			return RoundTrip{}, ctxErr(ctx)
		}
		if reqCtx.Err() != nil {
			return RoundTrip{}, ctxErr(reqCtx)
		}
		r.conn = nil
		return RoundTrip{}, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.CancelRead(0)

	deadline, _ := reqCtx.Deadline()
	if err := stream.SetDeadline(deadline); err != nil {
		return RoundTrip{}, fmt.Errorf("error setting deadline: %w", err)
	}
	stop := interruptOnDone(ctx, stream)
	defer stop()

	return r.exchange(ctx, stream, req, payload)
}

// exchange writes one request on an open stream and reads its reply. SentAt
// is stamped immediately before the write, so stream setup is not counted.
func (r *QUICRequester) exchange(ctx context.Context, stream io.ReadWriteCloser, req *wire.Message, payload []byte) (RoundTrip, error) {
	sentAt := r.nowFunc()
	if err := wire.WriteFrame(stream, payload); err != nil {
		return RoundTrip{}, streamErr(ctx, "write", err)
	}
	// Closing the send side tells the responder the request is complete.
	if err := stream.Close(); err != nil {
		return RoundTrip{}, streamErr(ctx, "close", err)
	}

	frame, err := wire.ReadFrame(stream)
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
		// A stream carries exactly one request, so any other sequence number is a protocol violation.
		return RoundTrip{}, fmt.Errorf("%w: seq %d, expected %d", ErrMalformedReply, rep.Seq, req.Seq)
	}
	return RoundTrip{Reply: rep, SentAt: sentAt, ReceivedAt: receivedAt}, nil
}

func (r *QUICRequester) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		return r.conn.CloseWithError(0, "client done")
	}
	return nil
}

// QUICResponder accepts QUIC connections and answers one request per stream.
type QUICResponder struct {
	log      *slog.Logger
	listener *quic.Listener
	codec    wire.Codec
	timeout  time.Duration
	once     sync.Once
	wg       sync.WaitGroup
}

func NewQUICResponder(log *slog.Logger, addr string, codec wire.Codec, timeout time.Duration, cfg QUICConfig) (*QUICResponder, error) {
	tlsConf, err := newSelfSignedTLSConfig(cfg.protocol())
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	listener, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &QUICResponder{
		log:      log,
		listener: listener,
		codec:    codec,
		timeout:  timeout,
	}, nil
}

func (r *QUICResponder) Run(ctx context.Context) error {
	r.log.Info("Starting QUIC responder", "address", r.listener.Addr(), "format", r.codec.Format())

	go func() {
		<-ctx.Done()
		r.Close()
	}()
	defer r.wg.Wait()

	for {
		conn, err := r.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				r.log.Debug("QUIC responder listener closed")
				return nil
			}
			r.log.Error("error accepting connection", "error", err)
			continue
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveConn(ctx, conn)
		}()
	}
}

func (r *QUICResponder) serveConn(ctx context.Context, conn *quic.Conn) {
	log := r.log.With("remote", conn.RemoteAddr())
	log.Debug("Accepted connection")
	defer conn.CloseWithError(0, "server done")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Debug("Connection done", "error", err)
			return
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.serveStream(log, stream)
		}()
	}
}

func (r *QUICResponder) serveStream(log *slog.Logger, stream *quic.Stream) {
	defer stream.Close()

	if r.timeout > 0 {
		_ = stream.SetDeadline(time.Now().Add(r.timeout))
	}

	frame, err := wire.ReadFrame(stream)
	if err != nil {
		log.Debug("Failed to read request", "error", err)
		stream.CancelRead(0)
		return
	}
	req, err := r.codec.Unmarshal(frame)
	if err != nil {
		log.Debug("Received malformed request", "error", err)
		return
	}
	if req.Kind != wire.KindRequest {
		log.Debug("Ignoring non-request message", "kind", req.Kind)
		return
	}
	payload, err := r.codec.Marshal(req.Reply())
	if err != nil {
		log.Error("failed to marshal reply", "error", err)
		return
	}
	if err := wire.WriteFrame(stream, payload); err != nil {
		log.Debug("Failed to write reply", "error", err)
		return
	}
	metrics.Reflected.WithLabelValues(string(KindQUIC)).Inc()
}

func (r *QUICResponder) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *QUICResponder) Close() error {
	var err error
	r.once.Do(func() {
		r.log.Debug("Closing QUIC responder")
		err = r.listener.Close()
	})
	return err
}

// isHandshakeRejected reports whether a dial failed because the peer refused
// the TLS handshake, for example on an ALPN mismatch.
func isHandshakeRejected(err error) bool {
	var terr *quic.TransportError
	if errors.As(err, &terr) {
		return terr.ErrorCode.IsCryptoError()
	}
	return false
}

func newSelfSignedTLSConfig(protocol string) (*tls.Config, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	tmpl := x509.Certificate{
		Version:            3,
		SerialNumber:       serialNumber,
		Subject:            pkix.Name{CommonName: quicCommonName},
		Issuer:             pkix.Name{CommonName: quicCommonName},
		SignatureAlgorithm: x509.PureEd25519,
		NotBefore:          time.Now().Add(-time.Hour),
		NotAfter:           time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, publicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	// Peers are benchmark endpoints identified by address, not by certificate.
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{protocol},
		Certificates:       []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: privateKey}},
		MinVersion:         tls.VersionTLS13,
	}, nil
}
