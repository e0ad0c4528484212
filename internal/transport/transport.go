// Package transport wraps the NATS connection the gateway uses to receive
// chat requests and publish stream events. It owns auth mode selection,
// reconnection, and the declarative subscription set that gets reinstalled
// whenever the connection comes back up.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// PayloadEncoding labels the payload format of a subscription. The
// transport does not decode payloads: every handler receives the raw
// message bytes whatever the encoding.
type PayloadEncoding string

const (
	EncodingJSON   PayloadEncoding = "json"
	EncodingBuffer PayloadEncoding = "buffer"
)

// SubscriptionKind distinguishes a fire-and-forget subscription from a
// request/reply handler.
type SubscriptionKind string

const (
	KindSubscribe SubscriptionKind = "subscribe"
	KindReply     SubscriptionKind = "reply"
)

// Handler processes one inbound message. For KindReply subscriptions the
// returned bytes are sent back on the message's reply subject; a non-nil
// error is instead encoded and sent on that same reply subject so callers
// never hang. For KindSubscribe, a returned error is only logged.
type Handler func(ctx context.Context, subject string, data []byte) ([]byte, error)

// SubscriptionSpec declares one subscription. Specs are the transport's unit
// of desired state: they survive reconnects because the transport reconciles
// "desired" (the specs it was given) against "installed" (what's currently
// subscribed) on every successful connect.
type SubscriptionSpec struct {
	Subject         string
	Kind            SubscriptionKind
	PayloadEncoding PayloadEncoding
	QueueGroup      string
	Handler         Handler
}

// Config configures the broker connection.
type Config struct {
	Servers []string
	Name    string

	// Auth precedence (first non-empty wins): NkeySeed+UserID, Token,
	// User+Password, anonymous.
	NkeySeed string
	UserID   string
	Token    string
	User     string
	Password string

	TLSCACert string

	MaxReconnectAttempts int
	ReconnectTimeWait    time.Duration
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	JWTExpiryHours       int
}

// Transport owns the single shared NATS connection for the process.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	nc       *nats.Conn
	desired  []SubscriptionSpec
	installed map[string]*nats.Subscription
}

// New applies defaults to cfg but does not connect yet; connection options
// are built by Connect.
func New(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReconnectTimeWait <= 0 {
		cfg.ReconnectTimeWait = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = -1
	}
	if cfg.JWTExpiryHours <= 0 {
		cfg.JWTExpiryHours = 1
	}

	return &Transport{
		cfg:       cfg,
		installed: map[string]*nats.Subscription{},
	}
}

// Connect dials the broker. With RetryOnFailedConnect set, a server that is
// unreachable on the first attempt does not fail this call: nats.go folds
// the initial dial into its own background reconnect loop (bounded by
// MaxReconnectAttempts, -1 meaning infinite) and the ReconnectHandler
// installed in buildOptions reconciles subscriptions once it lands. An error
// here means the options themselves were invalid (bad JWT signing seed, bad
// TLS cert), not that the broker was unreachable.
func (t *Transport) Connect(ctx context.Context, specs []SubscriptionSpec) error {
	t.desired = specs

	opts, err := t.buildOptions()
	if err != nil {
		return fmt.Errorf("build nats options: %w", err)
	}

	servers := strings.Join(t.cfg.Servers, ",")

	nc, err := nats.Connect(servers, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.mu.Unlock()

	return t.reconcileSubscriptions(ctx)
}

func (t *Transport) buildOptions() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.MaxReconnects(t.cfg.MaxReconnectAttempts),
		nats.ReconnectWait(t.cfg.ReconnectTimeWait),
		// A failed initial connect must not be fatal: it gets folded into the
		// same reconnect loop as a mid-session disconnect instead of
		// returning an error from Connect.
		nats.RetryOnFailedConnect(true),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
			if err := t.reconcileSubscriptions(context.Background()); err != nil {
				slog.Error("failed to reinstall subscriptions after reconnect", "error", err)
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	switch {
	case t.cfg.NkeySeed != "" && t.cfg.UserID != "":
		jwtToken, err := SignSelfIssuedJWT(t.cfg.NkeySeed, t.cfg.UserID, t.cfg.JWTExpiryHours, time.Now())
		if err != nil {
			return nil, fmt.Errorf("generate self-issued jwt: %w", err)
		}
		opts = append(opts, nats.Token(jwtToken))
	case t.cfg.Token != "":
		opts = append(opts, nats.Token(t.cfg.Token))
	case t.cfg.User != "" && t.cfg.Password != "":
		opts = append(opts, nats.UserInfo(t.cfg.User, t.cfg.Password))
	}

	if t.cfg.TLSCACert != "" {
		tlsConfig, err := buildTLSConfig(t.cfg.TLSCACert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	return opts, nil
}

func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caCertPath)
	}

	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// reconcileSubscriptions installs any desired subscription that is not
// currently installed. Called once after the initial connect and again from
// the reconnect handler.
func (t *Transport) reconcileSubscriptions(ctx context.Context) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("not connected")
	}

	for _, spec := range t.desired {
		t.mu.Lock()
		_, ok := t.installed[spec.Subject]
		t.mu.Unlock()
		if ok {
			continue
		}

		sub, err := t.install(ctx, nc, spec)
		if err != nil {
			return fmt.Errorf("install subscription %s: %w", spec.Subject, err)
		}

		t.mu.Lock()
		t.installed[spec.Subject] = sub
		t.mu.Unlock()
	}

	return nil
}

func (t *Transport) install(ctx context.Context, nc *nats.Conn, spec SubscriptionSpec) (*nats.Subscription, error) {
	cb := func(msg *nats.Msg) {
		reply, err := spec.Handler(ctx, msg.Subject, msg.Data)

		if spec.Kind == KindReply {
			if err != nil {
				payload := []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
				if respErr := msg.Respond(payload); respErr != nil {
					slog.Error("failed to send error reply", "subject", msg.Subject, "error", respErr)
				}
				return
			}
			if respErr := msg.Respond(reply); respErr != nil {
				slog.Error("failed to send reply", "subject", msg.Subject, "error", respErr)
			}
			return
		}

		if err != nil {
			slog.Error("subscription handler error", "subject", msg.Subject, "error", err)
		}
	}

	if spec.QueueGroup != "" {
		return nc.QueueSubscribe(spec.Subject, spec.QueueGroup, cb)
	}
	return nc.Subscribe(spec.Subject, cb)
}

// Publish fire-and-forgets data on subject. If the connection is down the
// error is returned for the caller to log; there is no local buffering.
func (t *Transport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return fmt.Errorf("publish to %s: not connected", subject)
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Request sends data on subject and waits for a single reply, bounded by the
// configured RequestTimeout.
func (t *Transport) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return nil, fmt.Errorf("request to %s: not connected", subject)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	msg, err := nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", subject, err)
	}
	return msg.Data, nil
}

// ObjectStore returns the object store handle for bucket, lazily bound
// against the shared connection's JetStream context.
func (t *Transport) ObjectStore(bucket string) (nats.ObjectStore, error) {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return nil, fmt.Errorf("object store %s: not connected", bucket)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	store, err := js.ObjectStore(bucket)
	if err != nil {
		return nil, fmt.Errorf("open object store %s: %w", bucket, err)
	}
	return store, nil
}

// Installed reports the subjects currently installed, for tests and
// reconnect-equality assertions.
func (t *Transport) Installed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := make([]string, 0, len(t.installed))
	for subject := range t.installed {
		subs = append(subs, subject)
	}
	return subs
}

// MatchSubject implements the single-wildcard prefix+suffix match used to
// look subscriptions up by pattern. Patterns with more than one '*' never
// match, per the single-wildcard-only contract.
func MatchSubject(subject, pattern string) bool {
	idx := strings.Index(pattern, "*")
	if idx < 0 {
		return subject == pattern
	}
	if strings.Count(pattern, "*") > 1 {
		return false
	}

	prefix := pattern[:idx]
	suffix := pattern[idx+1:]

	if !strings.HasPrefix(subject, prefix) || !strings.HasSuffix(subject, suffix) {
		return false
	}

	// The wildcard must consume exactly one token bounded by the
	// surrounding prefix/suffix, mirroring NATS' single-token '*' semantics.
	middle := strings.TrimSuffix(strings.TrimPrefix(subject, prefix), suffix)
	return middle != "" && !strings.Contains(middle, ".")
}

// Drain unsubscribes everything and closes the connection.
func (t *Transport) Drain() error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return nil
}
