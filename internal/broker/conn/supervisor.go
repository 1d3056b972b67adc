// Package conn supervises a single AMQP connection and its one shared
// channel, generalizing the teacher's context-scoped consumer lifecycle
// (internal/shared/kafka.Consumer in the teacher repo) into an explicit
// reconnect state machine, since amqp091-go surfaces connection/channel
// closure as plain events instead of reconnecting for us.
package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// State is one node of the connection state machine in spec.md §4.3.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// TLSConfig optionally configures mTLS for the AMQP connection.
type TLSConfig struct {
	Enabled  bool
	CAFile   string
	CertFile string
	KeyFile  string
}

// Config configures the Supervisor.
type Config struct {
	URL            string
	VHost          string
	Heartbeat      time.Duration
	Prefetch       int
	PublishConfirm bool
	TLS            TLSConfig
	MaxBackoff     time.Duration
}

// Supervisor owns the single AMQP connection + channel pair. Callers never
// hold a connection/channel reference across calls — they ask the
// Supervisor for one via Channel(ctx) every time they need it.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *amqp.Connection
	channel *amqp.Channel

	// inFlight is non-nil while a connect attempt is running; other callers
	// park on it instead of racing their own reconnect attempts.
	inFlight chan struct{}
	attempt  int
}

// New builds a Supervisor. No connection is attempted until Channel is
// first called.
func New(cfg Config, logger zerolog.Logger) *Supervisor {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Supervisor{cfg: cfg, logger: logger, state: Disconnected}
}

// Channel returns a live channel, connecting or reconnecting as needed.
// Concurrent callers during a reconnect all wait on the same in-flight
// attempt rather than each starting their own.
func (s *Supervisor) Channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		s.mu.Lock()
		if s.state == Connected && s.channel != nil {
			ch := s.channel
			s.mu.Unlock()
			return ch, nil
		}
		if s.inFlight != nil {
			wait := s.inFlight
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.inFlight = make(chan struct{})
		s.state = Connecting
		s.mu.Unlock()

		err := s.connect(ctx)

		s.mu.Lock()
		done := s.inFlight
		s.inFlight = nil
		if err != nil {
			s.state = Backoff
			s.attempt++
		} else {
			s.state = Connected
			s.attempt = 0
		}
		s.mu.Unlock()
		close(done)

		if err != nil {
			backoff := s.backoffDuration()
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("amqp connect failed, backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		s.mu.Lock()
		ch := s.channel
		s.mu.Unlock()
		return ch, nil
	}
}

func (s *Supervisor) backoffDuration() time.Duration {
	d := time.Duration(s.attempt+1) * time.Second
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *Supervisor) connect(ctx context.Context) error {
	amqpCfg := amqp.Config{
		Heartbeat: s.cfg.Heartbeat,
		Vhost:     s.cfg.VHost,
	}

	if s.cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(s.cfg.TLS)
		if err != nil {
			return fmt.Errorf("build tls config: %w", err)
		}
		amqpCfg.TLSClientConfig = tlsConfig
	}

	conn, err := amqp.DialConfig(s.cfg.URL, amqpCfg)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if s.cfg.PublishConfirm {
		if err := channel.Confirm(false); err != nil {
			_ = channel.Close()
			_ = conn.Close()
			return fmt.Errorf("enable confirm mode: %w", err)
		}
	}

	if s.cfg.Prefetch > 0 {
		if err := channel.Qos(s.cfg.Prefetch, 0, false); err != nil {
			_ = channel.Close()
			_ = conn.Close()
			return fmt.Errorf("set qos: %w", err)
		}
	}

	connClosed := make(chan *amqp.Error, 1)
	chanClosed := make(chan *amqp.Error, 1)
	conn.NotifyClose(connClosed)
	channel.NotifyClose(chanClosed)

	s.mu.Lock()
	s.conn = conn
	s.channel = channel
	s.mu.Unlock()

	go s.watchClose(connClosed, chanClosed)

	s.logger.Info().Str("vhost", s.cfg.VHost).Msg("amqp connection established")
	return nil
}

// watchClose invalidates the cached channel the moment either the
// connection or the channel reports closure, forcing the next Channel()
// call to reconnect.
func (s *Supervisor) watchClose(connClosed, chanClosed <-chan *amqp.Error) {
	select {
	case err := <-connClosed:
		s.invalidate("connection closed", err)
	case err := <-chanClosed:
		s.invalidate("channel closed", err)
	}
}

func (s *Supervisor) invalidate(reason string, err *amqp.Error) {
	s.mu.Lock()
	s.state = Disconnected
	s.channel = nil
	s.conn = nil
	s.mu.Unlock()

	event := s.logger.Warn()
	if err != nil {
		event = event.Int("code", err.Code).Bool("recover", err.Recover)
	}
	event.Str("reason", reason).Msg("amqp connection invalidated")
}

// Close tears down the supervised connection. Safe to call even if never
// connected.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		s.channel = nil
		s.state = Disconnected
		return err
	}
	return nil
}

// CurrentState reports the supervisor's state machine position, mainly
// for health checks and tests.
func (s *Supervisor) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse ca file %q", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
