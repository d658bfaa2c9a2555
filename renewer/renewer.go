package renewer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/DanielMarcoD/agendador/refresh"
	"github.com/DanielMarcoD/agendador/session"
)

const (
	// DefaultInterval is the time between checks when Config.Interval is zero.
	DefaultInterval = time.Minute
	// DefaultWindow is the renewal threshold when Config.Window is zero.
	DefaultWindow = 2 * time.Minute
)

// TokenSource yields the current access token.
type TokenSource interface {
	Access(ctx context.Context) (string, error)
}

// Refresher is satisfied by *refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (session.Session, error)
}

// Expirer reports whether a token is within threshold of its expiry.
type Expirer interface {
	ExpiresWithin(token string, threshold time.Duration) bool
}

// Config configures a [Renewer]. Zero durations take the package defaults.
//
// Only a rejected refresh stops the loop and reaches OnAuthFailure. A refresh
// that fails in transit (refresh.ErrRefreshUnavailable) keeps the session and
// is retried on the next tick, so an offline client is not logged out.
type Config struct {
	Interval time.Duration
	Window   time.Duration
	// OnAuthFailure is called once when the loop stops because the session can no
	// longer be renewed. It runs on the renewer goroutine after the loop has exited.
	OnAuthFailure func(err error)
	// OnTick, when set, observes every tick's decision. Used by metrics.
	OnTick func(renewed bool, err error)
	Logger logrus.FieldLogger
}

// Renewer runs the periodic renewal loop. At most one loop runs per Renewer.
type Renewer struct {
	tokens    TokenSource
	refresher Refresher
	expirer   Expirer
	cfg       Config
	log       logrus.FieldLogger

	mu   sync.Mutex
	stop func()
	done chan struct{}
}

// New builds a [Renewer]. It does not start the loop.
func New(tokens TokenSource, refresher Refresher, expirer Expirer, cfg Config) *Renewer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	return &Renewer{
		tokens:    tokens,
		refresher: refresher,
		expirer:   expirer,
		cfg:       cfg,
		log:       cfg.Logger.WithField("component", "renewer"),
	}
}

// Start launches the loop and returns its stop function. Calling Start while a
// loop is running returns the running loop's stop function. stop is idempotent and
// blocks until the loop goroutine has exited. Cancelling ctx also stops the loop.
func (r *Renewer) Start(ctx context.Context) (stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		select {
		case <-r.done:
		default:
			return r.stop
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var once sync.Once
	stopFn := func() {
		once.Do(cancel)
		<-done
	}

	r.stop = stopFn
	r.done = done

	go func() {
		failure := r.run(loopCtx)
		cancel()
		close(done)
		// Signalled after done is closed so the callback may call stop.
		if failure != nil && r.cfg.OnAuthFailure != nil {
			r.cfg.OnAuthFailure(failure)
		}
	}()

	r.log.WithField("interval", r.cfg.Interval).Debug("Renewer started")
	return stopFn
}

// Running reports whether a loop goroutine is active.
func (r *Renewer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (r *Renewer) run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Renewer stopped")
			return nil
		case <-ticker.C:
			if cont, failure := r.tick(ctx); !cont {
				return failure
			}
		}
	}
}

// tick performs one check. It reports whether the loop should continue and, when
// it should not because the session can no longer be renewed, why.
func (r *Renewer) tick(ctx context.Context) (bool, error) {
	token, err := r.tokens.Access(ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed to read access token")
		r.observe(false, err)
		return true, nil
	}
	if token == "" {
		r.log.Debug("No access token, stopping renewer")
		r.observe(false, nil)
		return false, nil
	}
	if !r.expirer.ExpiresWithin(token, r.cfg.Window) {
		r.observe(false, nil)
		return true, nil
	}

	_, err = r.refresher.Refresh(ctx)
	r.observe(err == nil, err)
	switch {
	case err == nil:
		r.log.Debug("Access token renewed")
		return true, nil
	case ctx.Err() != nil:
		return false, nil
	case errors.Is(err, refresh.ErrRefreshUnavailable):
		r.log.WithError(err).Warn("Renewal failed, will retry on next tick")
		return true, nil
	default:
		r.log.WithError(err).Info("Renewal rejected, stopping renewer")
		return false, err
	}
}

func (r *Renewer) observe(renewed bool, err error) {
	if r.cfg.OnTick != nil {
		r.cfg.OnTick(renewed, err)
	}
}
