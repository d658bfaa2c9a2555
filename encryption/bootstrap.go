package encryption

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// PubKeyPath is the endpoint serving the encryption key.
const PubKeyPath = "/auth/pubkey"

var (
	// ErrKeyUnavailable wraps failures to fetch or parse the server key.
	ErrKeyUnavailable = errors.New("encryption key unavailable")
	// ErrEncrypt wraps RSA encryption failures, e.g. a plaintext too long for the key.
	ErrEncrypt = errors.New("encrypt field")
)

// Fetcher issues unauthenticated JSON calls. *gateway.Gateway satisfies it.
type Fetcher interface {
	JSON(ctx context.Context, method, path string, in, out any) error
}

// Key is a parsed server key.
type Key struct {
	ID        string
	Alg       string
	Public    *rsa.PublicKey
	FetchedAt time.Time
}

// Field is one encrypted value.
type Field struct {
	Ciphertext string
	KeyID      string
}

type serverKey struct {
	Kid string `json:"kid"`
	Pem string `json:"pem"`
	Alg string `json:"alg"`
}

// Config configures a [Bootstrap].
type Config struct {
	// TTL expires the cached key. Zero keeps it until Invalidate.
	TTL    time.Duration
	Now    func() time.Time
	Logger logrus.FieldLogger
	// OnFetch observes each network fetch of the key.
	OnFetch func(err error)
}

// Bootstrap caches the server key and encrypts fields with it.
type Bootstrap struct {
	fetcher Fetcher
	cfg     Config
	log     logrus.FieldLogger

	mu    sync.RWMutex
	key   *Key
	group singleflight.Group
	// gen is bumped by Invalidate so an in-flight fetch does not repopulate a
	// cache that was invalidated after it started.
	gen uint64
}

// New returns a [Bootstrap] fetching through f.
func New(f Fetcher, cfg Config) *Bootstrap {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}
	return &Bootstrap{
		fetcher: f,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "encryption"),
	}
}

// Key returns the cached key, fetching it if needed.
func (b *Bootstrap) Key(ctx context.Context) (*Key, error) {
	b.mu.RLock()
	key, gen := b.key, b.gen
	b.mu.RUnlock()
	if key != nil && !b.expired(key) {
		return key, nil
	}

	// Keyed by generation: a caller arriving after Invalidate must not join a
	// fetch that started before it.
	ch := b.group.DoChan("pubkey:"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		return b.fetch(context.WithoutCancel(ctx), gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops the cached key.
func (b *Bootstrap) Invalidate() {
	b.mu.Lock()
	b.key = nil
	b.gen++
	b.mu.Unlock()
	b.log.Debug("Encryption key invalidated")
}

func (b *Bootstrap) expired(k *Key) bool {
	return b.cfg.TTL > 0 && b.cfg.Now().Sub(k.FetchedAt) >= b.cfg.TTL
}

func (b *Bootstrap) fetch(ctx context.Context, gen uint64) (key *Key, err error) {
	defer func() {
		if b.cfg.OnFetch != nil {
			b.cfg.OnFetch(err)
		}
	}()

	var sk serverKey
	if err := b.fetcher.JSON(ctx, http.MethodGet, PubKeyPath, nil, &sk); err != nil {
		b.log.WithError(err).Warn("Failed to fetch encryption key")
		return nil, fmt.Errorf("%w: %w", ErrKeyUnavailable, err)
	}
	if sk.Pem == "" {
		return nil, fmt.Errorf("%w: empty pem", ErrKeyUnavailable)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(sk.Pem))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	key = &Key{ID: sk.Kid, Alg: sk.Alg, Public: pub, FetchedAt: b.cfg.Now()}

	b.mu.Lock()
	if b.gen == gen {
		b.key = key
	}
	b.mu.Unlock()

	b.log.WithField("kid", sk.Kid).Debug("Encryption key fetched")
	return key, nil
}

// EncryptField encrypts plaintext with the server key.
func (b *Bootstrap) EncryptField(ctx context.Context, plaintext string) (Field, error) {
	key, err := b.Key(ctx)
	if err != nil {
		return Field{}, err
	}
	ct, err := Encrypt(key.Public, plaintext)
	if err != nil {
		return Field{}, err
	}
	return Field{Ciphertext: ct, KeyID: key.ID}, nil
}

// Seal encrypts every value with the same key and returns the ciphertexts in
// input order along with the key id.
func (b *Bootstrap) Seal(ctx context.Context, values ...string) ([]string, string, error) {
	key, err := b.Key(ctx)
	if err != nil {
		return nil, "", err
	}
	out := make([]string, len(values))
	for i, v := range values {
		ct, err := Encrypt(key.Public, v)
		if err != nil {
			return nil, "", err
		}
		out[i] = ct
	}
	return out, key.ID, nil
}

// Encrypt returns base64(RSA-OAEP-SHA256(plaintext)) using standard encoding.
func Encrypt(pub *rsa.PublicKey, plaintext string) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}
