package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"endpoint-xdr/internal/metrics"
	"endpoint-xdr/internal/schema"

	"github.com/pion/dtls/v2"
)

// Common errors for the log receiver.
var (
	ErrDTLSCertRequired       = errors.New("DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("mutual TLS requires CA certificate")
	ErrNoOutput               = errors.New("receiver output channel is required")
	ErrAlreadyStarted         = errors.New("receiver already started")
)

// ReceiverConfig holds configuration for the log receiver.
type ReceiverConfig struct {
	// Address to listen on (e.g., ":5516")
	Address string `yaml:"address"`

	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile verifies client certificates when RequireClientCert is set.
	CAFile            string `yaml:"ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`

	// MaxMessageSize is the maximum datagram size.
	MaxMessageSize int `yaml:"max_message_size"`

	// ConnectionTimeout bounds the DTLS handshake.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// IdleTimeout closes DTLS sessions that stop sending.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AllowInsecure falls back to plain UDP when no certificate is
	// configured. Records then travel in cleartext.
	AllowInsecure bool `yaml:"allow_insecure"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Certificates overrides CertFile/KeyFile.
	Certificates []tls.Certificate `yaml:"-"`
}

// DefaultReceiverConfig returns secure default configuration.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Address:           ":5516",
		MaxMessageSize:    65535,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
		RateLimit:         DefaultRateLimitConfig(),
	}
}

func (c ReceiverConfig) hasCertificate() bool {
	return len(c.Certificates) > 0 || (c.CertFile != "" && c.KeyFile != "")
}

// ReceiverMetrics holds metrics for the log receiver.
type ReceiverMetrics struct {
	Connections   uint64
	HandshakeErrs uint64
	Datagrams     uint64
	Accepted      uint64
	Rejected      uint64
	Limited       uint64
	Dropped       uint64
	Insecure      bool
}

// Receiver accepts telemetry records from remote collectors over DTLS, or
// plain UDP when explicitly allowed, and forwards them to out without
// blocking. Records that do not fit are dropped and counted.
type Receiver struct {
	config   ReceiverConfig
	out      chan<- schema.Telemetry
	limiter  *PeerLimiter
	metrics  *metrics.Metrics
	logger   *slog.Logger
	listener net.Listener
	udpConn  *net.UDPConn
	started  atomic.Bool
	now      func() time.Time

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	connections   uint64
	handshakeErrs uint64
	datagrams     uint64
	accepted      uint64
	rejected      uint64
	limited       uint64
	dropped       uint64
	insecure      bool
}

// NewReceiver creates a receiver delivering to out.
func NewReceiver(cfg ReceiverConfig, out chan<- schema.Telemetry, m *metrics.Metrics, logger *slog.Logger) (*Receiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		return nil, ErrNoOutput
	}
	if !cfg.AllowInsecure && !cfg.hasCertificate() {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}

	d := DefaultReceiverConfig()
	if cfg.Address == "" {
		cfg.Address = d.Address
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = d.MaxMessageSize
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = d.ConnectionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}

	return &Receiver{
		config:  cfg,
		out:     out,
		limiter: NewPeerLimiter(cfg.RateLimit),
		metrics: m,
		logger:  logger.With("component", "telemetry-receiver"),
		now:     time.Now,
		done:    make(chan struct{}),
	}, nil
}

// Start opens the listener and begins receiving.
func (r *Receiver) Start(ctx context.Context) error {
	if r.started.Swap(true) {
		return ErrAlreadyStarted
	}
	if r.config.AllowInsecure && !r.config.hasCertificate() {
		return r.startInsecure(ctx)
	}
	return r.startSecure(ctx)
}

func (r *Receiver) startSecure(ctx context.Context) error {
	certs := r.config.Certificates
	if len(certs) == 0 {
		cert, err := tls.LoadX509KeyPair(r.config.CertFile, r.config.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load DTLS certificate: %w", err)
		}
		certs = []tls.Certificate{cert}
	}

	dtlsConfig := &dtls.Config{
		Certificates:         certs,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, r.config.ConnectionTimeout)
		},
	}

	if r.config.RequireClientCert {
		caData, err := os.ReadFile(r.config.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return fmt.Errorf("failed to parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", r.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	r.listener = listener

	r.logger.Info("telemetry receiver started",
		"address", listener.Addr().String(),
		"transport", "dtls",
		"mutual_tls", r.config.RequireClientCert,
	)

	r.wg.Add(1)
	go r.acceptLoop(ctx)
	return nil
}

func (r *Receiver) startInsecure(ctx context.Context) error {
	r.logger.Warn("SECURITY WARNING: starting telemetry receiver WITHOUT encryption",
		"address", r.config.Address,
		"recommendation", "configure a DTLS certificate for production",
	)
	r.insecure = true

	addr, err := net.ResolveUDPAddr("udp", r.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	r.udpConn = conn

	r.logger.Info("telemetry receiver started",
		"address", conn.LocalAddr().String(),
		"transport", "udp",
	)

	r.wg.Add(1)
	go r.udpLoop(ctx)
	return nil
}

func (r *Receiver) transport() string {
	if r.insecure {
		return "udp"
	}
	return "dtls"
}

func (r *Receiver) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-r.done:
		return true
	default:
		return false
	}
}

// acceptLoop accepts DTLS sessions until stopped. Closing the listener
// unblocks Accept.
func (r *Receiver) acceptLoop(ctx context.Context) {
	defer r.wg.Done()

	for !r.stopping(ctx) {
		conn, err := r.listener.Accept()
		if err != nil {
			if r.stopping(ctx) || errors.Is(err, net.ErrClosed) {
				return
			}
			atomic.AddUint64(&r.handshakeErrs, 1)
			r.logger.Debug("DTLS accept error", "error", err)
			continue
		}

		atomic.AddUint64(&r.connections, 1)
		r.wg.Add(1)
		go r.handleConnection(ctx, conn)
	}
}

func (r *Receiver) handleConnection(ctx context.Context, conn net.Conn) {
	defer r.wg.Done()
	defer conn.Close()

	peer := peerAddress(conn.RemoteAddr())
	r.logger.Debug("new DTLS session", "remote", peer)

	// Unblock the read when the receiver stops.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		case <-finished:
			return
		}
		conn.SetReadDeadline(time.Now())
	}()

	buffer := make([]byte, r.config.MaxMessageSize)
	for !r.stopping(ctx) {
		conn.SetReadDeadline(r.now().Add(r.config.IdleTimeout))
		n, err := conn.Read(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && !r.stopping(ctx) {
				r.logger.Debug("DTLS session idle timeout", "remote", peer)
			}
			return
		}
		r.handleDatagram(buffer[:n], peer)
	}
}

func (r *Receiver) udpLoop(ctx context.Context) {
	defer r.wg.Done()

	buffer := make([]byte, r.config.MaxMessageSize)
	for !r.stopping(ctx) {
		r.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, remote, err := r.udpConn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if r.stopping(ctx) || errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Debug("UDP read error", "error", err)
			continue
		}
		r.handleDatagram(buffer[:n], remote.IP.String())
	}
}

// handleDatagram decodes one datagram and forwards its records. The data
// is not retained.
func (r *Receiver) handleDatagram(data []byte, peer string) {
	atomic.AddUint64(&r.datagrams, 1)
	transport := r.transport()

	if !r.limiter.Allow(peer) {
		atomic.AddUint64(&r.limited, 1)
		r.metrics.IncReceived(transport, "limited")
		return
	}

	items, err := Decode(data, peer, r.now())
	if err != nil {
		atomic.AddUint64(&r.rejected, 1)
		r.metrics.IncReceived(transport, "rejected")
		r.logger.Debug("telemetry decode error", "remote", peer, "error", err)
	}

	for _, item := range items {
		select {
		case r.out <- item:
			atomic.AddUint64(&r.accepted, 1)
			r.metrics.IncReceived(transport, "accepted")
		default:
			atomic.AddUint64(&r.dropped, 1)
			r.metrics.IncReceived(transport, "dropped")
		}
	}
}

// Addr returns the bound address, or nil before Start.
func (r *Receiver) Addr() net.Addr {
	switch {
	case r.listener != nil:
		return r.listener.Addr()
	case r.udpConn != nil:
		return r.udpConn.LocalAddr()
	}
	return nil
}

// Stop closes the listener and waits for sessions to finish. Nothing is
// sent to the output channel after Stop returns.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		if r.listener != nil {
			r.listener.Close()
		}
		if r.udpConn != nil {
			r.udpConn.Close()
		}
		r.wg.Wait()

		m := r.Metrics()
		r.logger.Info("telemetry receiver stopped",
			"connections", m.Connections,
			"datagrams", m.Datagrams,
			"accepted", m.Accepted,
			"rejected", m.Rejected,
			"limited", m.Limited,
			"dropped", m.Dropped,
		)
	})
}

// Metrics returns the current receiver metrics.
func (r *Receiver) Metrics() ReceiverMetrics {
	return ReceiverMetrics{
		Connections:   atomic.LoadUint64(&r.connections),
		HandshakeErrs: atomic.LoadUint64(&r.handshakeErrs),
		Datagrams:     atomic.LoadUint64(&r.datagrams),
		Accepted:      atomic.LoadUint64(&r.accepted),
		Rejected:      atomic.LoadUint64(&r.rejected),
		Limited:       atomic.LoadUint64(&r.limited),
		Dropped:       atomic.LoadUint64(&r.dropped),
		Insecure:      r.insecure,
	}
}

// IsSecure reports whether the receiver is running with DTLS.
func (r *Receiver) IsSecure() bool {
	return r.listener != nil && r.udpConn == nil
}

func peerAddress(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	return addr.String()
}
