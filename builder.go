package agendador

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/DanielMarcoD/agendador/encryption"
	"github.com/DanielMarcoD/agendador/gateway"
	"github.com/DanielMarcoD/agendador/jwt"
	"github.com/DanielMarcoD/agendador/refresh"
	"github.com/DanielMarcoD/agendador/renewer"
	"github.com/DanielMarcoD/agendador/session"
)

// Builder assembles a [Client]. A Builder can be built once.
type Builder struct {
	config Config

	backend    session.Backend
	redis      redis.UniversalClient
	httpClient *http.Client
	logger     logrus.FieldLogger
	auditSink  AuditSink
	onFailure  func(error)
	now        func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithBackend overrides Config.Storage.Backend with an explicit backend.
func (b *Builder) WithBackend(backend session.Backend) *Builder {
	b.backend = backend
	return b
}

// WithRedis supplies the client used by the redis storage backend. The caller
// keeps ownership and must close it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

func (b *Builder) WithLogger(log logrus.FieldLogger) *Builder {
	b.logger = log
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithAuthFailureHandler registers the redirect-to-login signal. It is called
// when the renewer gives up or a protected request cannot be authorised.
func (b *Builder) WithAuthFailureHandler(fn func(error)) *Builder {
	b.onFailure = fn
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides the clock used for token expiry decisions.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and wires the client. Build performs no
// network I/O.
func (b *Builder) Build() (*Client, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	httpClient := b.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}

	c := &Client{
		config:    cfg,
		log:       log.WithField("component", "client"),
		metrics:   NewMetrics(cfg.Metrics),
		audit:     newAuditDispatcher(cfg.Audit, b.auditSink),
		onFailure: b.onFailure,
	}

	// -------- TOKEN STORE --------
	backend, ownedRedis, err := b.resolveBackend(cfg.Storage)
	if err != nil {
		c.audit.Close()
		return nil, err
	}
	c.ownedRedis = ownedRedis
	c.store = session.NewStore(backend, cfg.Storage.KeyPrefix)
	c.codec = jwt.NewCodec(b.now)

	// -------- REFRESH COORDINATOR --------
	// One coordinator per client; the renewer and gateway both reach it through c.
	c.coordinator, err = refresh.NewCoordinator(c.store, refresh.Config{
		Endpoint:   cfg.API.BaseURL + "/auth/refresh",
		HTTPClient: httpClient,
		Timeout:    cfg.Refresh.Timeout,
		Logger:     log,
		Hooks:      refresh.Hooks{OnExchange: c.observeExchange},
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}

	// -------- GATEWAY --------
	c.gateway, err = gateway.New(c.store, c, gateway.Config{
		BaseURL:    cfg.API.BaseURL,
		HTTPClient: httpClient,
		Logger:     log,
		Hooks: gateway.Hooks{
			OnAttempt:     c.observeAttempt,
			OnAuthFailure: c.gatewayAuthFailure,
		},
	})
	if err != nil {
		c.closeOwned()
		return nil, err
	}

	// -------- RENEWER --------
	if cfg.Renewer.Enabled {
		c.renewer = renewer.New(c.store, c, c.codec, renewer.Config{
			Interval:      cfg.Renewer.Interval,
			Window:        cfg.Renewer.Window,
			OnAuthFailure: c.renewerAuthFailure,
			OnTick:        c.observeTick,
			Logger:        log,
		})
	}

	// -------- ENCRYPTION --------
	c.keys = encryption.New(c.gateway, encryption.Config{
		TTL:     cfg.Encryption.KeyTTL,
		Now:     b.now,
		Logger:  log,
		OnFetch: c.observeKeyFetch,
	})

	b.built = true
	return c, nil
}

func (b *Builder) resolveBackend(cfg StorageConfig) (session.Backend, redis.UniversalClient, error) {
	if b.backend != nil {
		return b.backend, nil, nil
	}

	switch cfg.Backend {
	case StorageNone:
		return session.NopBackend{}, nil, nil
	case StorageMemory, "":
		return session.NewMemoryBackend(), nil, nil
	case StorageFile:
		return session.NewFileBackend(cfg.FilePath), nil, nil
	case StorageRedis:
		if b.redis != nil {
			return session.NewRedisBackend(b.redis, cfg.RedisTTL), nil, nil
		}
		if cfg.RedisAddr == "" {
			return nil, nil, errors.New("redis storage requires a client or RedisAddr")
		}
		owned := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return session.NewRedisBackend(owned, cfg.RedisTTL), owned, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
