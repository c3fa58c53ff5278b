package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/malbeclabs/linkbench/internal/metrics"
	"github.com/malbeclabs/linkbench/internal/wire"
	"golang.org/x/net/ipv4"
)

const (
	// DefaultSocketBufferSize is 8MB, suitable for high-throughput multicast streams.
	DefaultSocketBufferSize = 8 * 1024 * 1024

	defaultMulticastReadTimeout = 250 * time.Millisecond
	defaultSubscriptionBuffer   = 4096
	defaultMulticastTTL         = 1
)

// MulticastConfig configures UDP multicast PUB-SUB. All symbols share one
// group; publications are routed to subscriptions by symbol.
type MulticastConfig struct {
	Group         string // e.g. "239.0.0.1:5000"
	InterfaceName string // optional, e.g. "eth0"
	Loopback      bool   // receive our own publications, useful for testing
	TTL           int
}

func (c *MulticastConfig) Validate() error {
	_, err := c.groupAddr()
	return err
}

func (c *MulticastConfig) groupAddr() (*net.UDPAddr, error) {
	if err := ValidateEndpoint(c.Group); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%w: %s is not a multicast address", ErrInvalidEndpoint, addr.IP)
	}
	return addr, nil
}

func (c *MulticastConfig) iface() (*net.Interface, error) {
	if c.InterfaceName == "" {
		return nil, nil
	}
	ifi, err := net.InterfaceByName(c.InterfaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", c.InterfaceName, err)
	}
	return ifi, nil
}

// MulticastSubscriber joins the multicast group on first subscription and
// demultiplexes inbound publications to per-symbol subscriptions.
//
// A decodable message of the wrong kind is handed to its symbol's subscription
// as an ErrMalformedMessage. A subscription whose buffer is full loses the
// publication; the loss is counted and logged rather than blocking the socket
// reader.
type MulticastSubscriber struct {
	log   *slog.Logger
	cfg   MulticastConfig
	codec wire.Codec

	mu     sync.RWMutex
	conn   *net.UDPConn
	subs   map[string]*multicastSubscription
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	overflow  atomic.Uint64
	malformed atomic.Uint64
}

func NewMulticastSubscriber(log *slog.Logger, cfg MulticastConfig, codec wire.Codec) (*MulticastSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MulticastSubscriber{
		log:   log,
		cfg:   cfg,
		codec: codec,
		subs:  make(map[string]*multicastSubscription),
		done:  make(chan struct{}),
	}, nil
}

func (s *MulticastSubscriber) Subscribe(ctx context.Context, symbol string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, ok := s.subs[symbol]; ok {
		return nil, fmt.Errorf("already subscribed to %q", symbol)
	}
	if s.conn == nil {
		conn, err := s.listen()
		if err != nil {
			return nil, err
		}
		s.conn = conn
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readLoop(conn)
		}()
	}

	sub := &multicastSubscription{
		parent: s,
		symbol: symbol,
		ch:     make(chan multicastItem, defaultSubscriptionBuffer),
	}
	s.subs[symbol] = sub
	return sub, nil
}

func (s *MulticastSubscriber) listen() (*net.UDPConn, error) {
	group, err := s.cfg.groupAddr()
	if err != nil {
		return nil, err
	}
	ifi, err := s.cfg.iface()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to join multicast group: %w", err)
	}
	if s.cfg.Loopback {
		if err := p.SetMulticastLoopback(true); err != nil {
			s.log.Warn("failed to enable multicast loopback", "error", err)
		}
	}
	if err := conn.SetReadBuffer(DefaultSocketBufferSize); err != nil {
		s.log.Warn("failed to set socket receive buffer size", "requested", DefaultSocketBufferSize, "error", err)
	}

	s.log.Info("Joined multicast group", "group", group, "interface", s.cfg.InterfaceName)
	return conn, nil
}

func (s *MulticastSubscriber) readLoop(conn *net.UDPConn) {
	buf := make([]byte, wire.MaxFrameSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(defaultMulticastReadTimeout)); err != nil {
			if isClosedErr(err) {
				return
			}
			s.log.Error("failed to set read deadline", "error", err)
			continue
		}

		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if isClosedErr(err) {
				return
			}
			s.log.Error("error reading UDP packet", "error", err)
			continue
		}

		// Timestamp immediately after receiving.
		receivedAt := time.Now()

		m, err := s.codec.Unmarshal(buf[:n])
		if err != nil {
			s.malformed.Add(1)
			s.log.Debug("Dropping malformed publication", "source", src, "length", n, "error", err)
			continue
		}
		s.dispatch(m, src, receivedAt)
	}
}

// dispatch routes a decoded message to the subscription for its symbol.
func (s *MulticastSubscriber) dispatch(m *wire.Message, src net.Addr, receivedAt time.Time) {
	s.mu.RLock()
	sub, ok := s.subs[m.Symbol]
	s.mu.RUnlock()

	item := multicastItem{d: Delivery{Message: m, ReceivedAt: receivedAt}}
	if m.Kind != wire.KindPublication {
		if !ok {
			s.malformed.Add(1)
			s.log.Debug("Dropping non-publication message", "source", src, "kind", m.Kind)
			return
		}
		item = multicastItem{err: fmt.Errorf("%w: %s message seq %d from %s", ErrMalformedMessage, m.Kind, m.Seq, src)}
	}
	if !ok {
		return
	}
	select {
	case sub.ch <- item:
	default:
		s.overflow.Add(1)
		metrics.Errors.WithLabelValues(metrics.ErrorTypeOverflow).Inc()
		s.log.Warn("dropping publication for slow subscriber", "symbol", m.Symbol)
	}
}

// Overflow returns the number of publications lost to full subscription buffers.
func (s *MulticastSubscriber) Overflow() uint64 {
	return s.overflow.Load()
}

// Malformed returns the number of datagrams that could not be routed to any
// subscribed symbol.
func (s *MulticastSubscriber) Malformed() uint64 {
	return s.malformed.Load()
}

func (s *MulticastSubscriber) remove(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, symbol)
}

func (s *MulticastSubscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.wg.Wait()
	return err
}

// multicastItem is a delivery or the integrity error that replaced it.
type multicastItem struct {
	d   Delivery
	err error
}

type multicastSubscription struct {
	parent *MulticastSubscriber
	symbol string
	ch     chan multicastItem
	once   sync.Once
}

func (s *multicastSubscription) Next(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-s.parent.done:
		return Delivery{}, ErrClosed
	case item := <-s.ch:
		return item.d, item.err
	}
}

func (s *multicastSubscription) Close() error {
	s.once.Do(func() {
		s.parent.remove(s.symbol)
	})
	return nil
}

// MulticastPublisher sends publications to the multicast group.
type MulticastPublisher struct {
	log   *slog.Logger
	codec wire.Codec
	conn  *net.UDPConn
	once  sync.Once
}

func NewMulticastPublisher(log *slog.Logger, cfg MulticastConfig, codec wire.Codec) (*MulticastPublisher, error) {
	group, err := cfg.groupAddr()
	if err != nil {
		return nil, err
	}
	ifi, err := cfg.iface()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to dial multicast group: %w", err)
	}

	p := ipv4.NewPacketConn(conn)
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultMulticastTTL
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		log.Warn("failed to set multicast TTL", "ttl", ttl, "error", err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set multicast interface %s: %w", ifi.Name, err)
		}
	}
	if err := p.SetMulticastLoopback(cfg.Loopback); err != nil {
		log.Warn("failed to set multicast loopback", "error", err)
	}

	return &MulticastPublisher{
		log:   log,
		codec: codec,
		conn:  conn,
	}, nil
}

func (p *MulticastPublisher) Publish(ctx context.Context, m *wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := p.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal publication: %w", err)
	}
	if _, err := p.conn.Write(payload); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to write to multicast group: %w", err)
	}
	metrics.Published.WithLabelValues(string(KindMulticast)).Inc()
	return nil
}

func (p *MulticastPublisher) Close() error {
	var err error
	p.once.Do(func() {
		err = p.conn.Close()
	})
	return err
}
