// Package registry is a directory of known CurveCP peers. Servers consult
// it to authorize client keys; the CLI manages it. Backends are an
// in-memory map (dev/testing), etcd and PostgreSQL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/packet"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendEtcd     = "etcd"
	BackendPostgres = "postgres"
)

// authorizeTimeout bounds a registry lookup made during a handshake.
const authorizeTimeout = 2 * time.Second

var (
	ErrNotFound       = errors.New("registry: peer not found")
	ErrInvalidPeer    = errors.New("registry: invalid peer")
	ErrUnknownBackend = errors.New("registry: unknown backend")
)

// Peer is one registry entry.
type Peer struct {
	Key       keys.Key  `json:"key" yaml:"key"`
	Name      string    `json:"name" yaml:"name"`
	Addr      string    `json:"addr,omitempty" yaml:"addr,omitempty"`
	Allowed   bool      `json:"allowed" yaml:"allowed"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Validate checks that p can be stored.
func (p *Peer) Validate() error {
	if p.Key.IsZero() {
		return fmt.Errorf("%w: key is required", ErrInvalidPeer)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPeer)
	}
	return nil
}

// Store persists peers keyed by their long-term public key.
type Store interface {
	// Put creates or replaces the peer with p.Key.
	Put(ctx context.Context, p Peer) error
	Get(ctx context.Context, key keys.Key) (*Peer, error)
	Delete(ctx context.Context, key keys.Key) error
	List(ctx context.Context) ([]Peer, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend       string   `yaml:"backend"`
	EtcdEndpoints []string `yaml:"etcd_endpoints,omitempty"`
	PostgresDSN   string   `yaml:"postgres_dsn,omitempty"`
}

// Open returns the Store named by cfg.Backend. An empty backend means
// memory.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendEtcd:
		return NewEtcdStore(cfg.EtcdEndpoints)
	case BackendPostgres:
		return NewPostgresStore(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Authorized reports whether key belongs to an allowed peer.
func Authorized(ctx context.Context, s Store, key keys.Key) (bool, error) {
	p, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Allowed, nil
}

// Authorizer adapts s for server.WithAuthorizer. Lookup failures deny the
// client and are logged.
func Authorizer(s Store, log zerolog.Logger) packet.Authorizer {
	return func(key keys.Key) bool {
		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		defer cancel()
		ok, err := Authorized(ctx, s, key)
		if err != nil {
			log.Warn().Err(err).Str("client", key.String()).Msg("registry lookup failed")
			return false
		}
		if !ok {
			log.Debug().Str("client", key.String()).Msg("client not authorized")
		}
		return ok
	}
}
