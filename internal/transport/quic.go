package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/message"
	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

const (
	alpnProtocol     = "resqlink-mesh"
	defaultDialWait  = 5 * time.Second
	discoverCooldown = 30 * time.Second
	eventBuffer      = 128
)

// QUICConfig wires a QUIC transport.
type QUICConfig struct {
	Log         *zap.Logger
	ListenAddr  string
	SelfAddress string
	SelfName    string
	// Bootstrap lists peer endpoints dialed during discovery.
	Bootstrap   []string
	DialTimeout time.Duration
}

// QUIC carries envelopes over QUIC streams, one envelope per stream. Peers
// identify themselves with a hello envelope right after the link comes up;
// until that arrives the link is not usable for sends.
type QUIC struct {
	log         *zap.Logger
	selfAddress string
	selfName    string
	listenAddr  string
	bootstrap   []string
	dialTimeout time.Duration
	events      chan Event

	mu           sync.Mutex
	listener     *quic.Listener
	conns        map[string]quic.Connection
	endpoints    map[string]string
	lastDiscover time.Time
	closed       bool
	cancel       context.CancelFunc
}

// NewQUIC builds a QUIC transport. Call Start before using it.
func NewQUIC(cfg QUICConfig) *QUIC {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialWait
	}
	return &QUIC{
		log:         cfg.Log,
		selfAddress: cfg.SelfAddress,
		selfName:    cfg.SelfName,
		listenAddr:  cfg.ListenAddr,
		bootstrap:   cfg.Bootstrap,
		dialTimeout: cfg.DialTimeout,
		events:      make(chan Event, eventBuffer),
		conns:       make(map[string]quic.Connection),
		endpoints:   make(map[string]string),
	}
}

// Start opens the listener and begins accepting peers.
func (q *QUIC) Start(ctx context.Context) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return fmt.Errorf("transport tls: %w", err)
	}
	listener, err := quic.ListenAddr(q.listenAddr, tlsConf, nil)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("quic listen %s: %v: %w", q.listenAddr, err, ErrPermissionDenied)
		}
		return fmt.Errorf("quic listen %s: %w", q.listenAddr, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.listener = listener
	q.cancel = cancel
	q.mu.Unlock()

	q.log.Info("transport listening", zap.String("addr", listener.Addr().String()))
	go q.acceptLoop(loopCtx, listener)
	return nil
}

// Addr returns the bound listen address, useful when listening on port 0.
func (q *QUIC) Addr() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listener == nil {
		return q.listenAddr
	}
	return q.listener.Addr().String()
}

// Discover dials the bootstrap endpoints plus the endpoints of previously
// seen peers whose links dropped. Scans are rate limited; force bypasses the
// cooldown for user-initiated refreshes.
func (q *QUIC) Discover(ctx context.Context, force bool) error {
	q.mu.Lock()
	if !force && time.Since(q.lastDiscover) < discoverCooldown {
		q.mu.Unlock()
		return nil
	}
	q.lastDiscover = time.Now()
	targets := append([]string(nil), q.bootstrap...)
	for addr, endpoint := range q.endpoints {
		if _, connected := q.conns[addr]; !connected {
			targets = append(targets, endpoint)
		}
	}
	q.mu.Unlock()

	for _, endpoint := range targets {
		if ctx.Err() != nil {
			return fmt.Errorf("scan interrupted: %w", ErrDiscoveryTimeout)
		}
		q.emit(Event{Kind: EventPeerFound, Address: endpoint})
		if err := q.Connect(ctx, endpoint); err != nil {
			q.log.Debug("bootstrap dial failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	return nil
}

// Connect dials one peer endpoint and performs the hello exchange.
func (q *QUIC) Connect(ctx context.Context, endpoint string) error {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, q.dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, endpoint, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %v: %w", endpoint, err, ErrConnectionFailed)
	}
	if err := q.sendHello(ctx, conn); err != nil {
		conn.CloseWithError(0, "hello failed")
		return err
	}
	go q.readLoop(ctx, conn)
	return nil
}

// Send writes one encoded envelope to the device address over an
// established link.
func (q *QUIC) Send(ctx context.Context, payload []byte, target string) error {
	q.mu.Lock()
	conn, ok := q.conns[target]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", target, ErrNotConnected)
	}
	return writeFrame(ctx, conn, payload)
}

// Events returns the transport event stream.
func (q *QUIC) Events() <-chan Event {
	return q.events
}

// Close shuts the listener and all peer links down.
func (q *QUIC) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel := q.cancel
	listener := q.listener
	conns := make([]quic.Connection, 0, len(q.conns))
	for _, conn := range q.conns {
		conns = append(conns, conn)
	}
	q.conns = make(map[string]quic.Connection)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, conn := range conns {
		_ = conn.CloseWithError(0, "shutdown")
	}
	if listener != nil {
		_ = listener.Close()
	}
	close(q.events)
	return nil
}

func (q *QUIC) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("quic accept", zap.Error(err))
			}
			return
		}
		go func(c quic.Connection) {
			if err := q.sendHello(ctx, c); err != nil {
				q.log.Warn("hello to inbound peer", zap.Error(err))
				c.CloseWithError(0, "hello failed")
				return
			}
			q.readLoop(ctx, c)
		}(conn)
	}
}

// readLoop consumes streams from one connection until it dies. The peer's
// device address is unknown until its hello arrives.
func (q *QUIC) readLoop(ctx context.Context, conn quic.Connection) {
	var peerAddr string
	defer func() {
		if peerAddr == "" {
			return
		}
		q.mu.Lock()
		if q.conns[peerAddr] == conn {
			delete(q.conns, peerAddr)
		}
		q.mu.Unlock()
		q.emit(Event{Kind: EventDisconnected, Address: peerAddr})
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		env, err := message.ReadEnvelope(stream)
		stream.CancelRead(0)
		if err != nil {
			q.log.Debug("read envelope", zap.Error(err))
			continue
		}

		switch env.Type {
		case message.EnvelopeHello:
			var hello message.Hello
			if err := json.Unmarshal(env.Payload, &hello); err != nil || hello.Address == "" {
				q.log.Warn("malformed hello", zap.Error(err))
				continue
			}
			peerAddr = hello.Address
			q.mu.Lock()
			q.conns[peerAddr] = conn
			q.endpoints[peerAddr] = conn.RemoteAddr().String()
			q.mu.Unlock()
			q.emit(Event{Kind: EventConnected, Address: peerAddr, Name: hello.DisplayName})
		case message.EnvelopeDisconnect:
			_ = conn.CloseWithError(0, "peer disconnect")
			return
		default:
			q.emit(Event{Kind: EventFrame, Address: env.From, Envelope: env})
		}
	}
}

func (q *QUIC) sendHello(ctx context.Context, conn quic.Connection) error {
	payload, err := json.Marshal(message.Hello{Address: q.selfAddress, DisplayName: q.selfName})
	if err != nil {
		return err
	}
	frame, err := message.EncodeEnvelope(message.Envelope{
		Type:    message.EnvelopeHello,
		From:    q.selfAddress,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return writeFrame(ctx, conn, frame)
}

// emit delivers an event unless the transport is closed. Events overflowing
// the buffer are dropped; consumers reconcile via the poller anyway.
func (q *QUIC) emit(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.events <- ev:
	default:
		q.log.Warn("transport event dropped", zap.String("kind", string(ev.Kind)))
	}
}

// writeFrame sends one envelope on its own stream.
func writeFrame(ctx context.Context, conn quic.Connection, payload []byte) error {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if _, err := stream.Write(payload); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write frame: %w", err)
	}
	return stream.Close()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert derives a deterministic self-signed certificate. Link privacy
// comes from the application layer; TLS here only satisfies QUIC.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("resqlink-quic-link-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{alpnProtocol},
	}, nil
}
