package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/strand-protocol/strand/curvecp/pkg/keys"
)

// All peers live under /curvecp/v1/peers/ to avoid collisions with other
// etcd tenants.
const etcdPrefix = "/curvecp/v1/peers/"

func etcdKey(k keys.Key) string {
	return etcdPrefix + k.String()
}

// EtcdStore is an etcd-backed Store suitable for deployments where several
// servers share one peer directory.
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("registry: etcd: no endpoints")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: etcd dial: %w", err)
	}
	return &EtcdStore{client: client}, nil
}

func (s *EtcdStore) Put(ctx context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}
	k := etcdKey(p.Key)
	if _, err := s.client.Put(ctx, k, string(data)); err != nil {
		return fmt.Errorf("registry: etcd put %q: %w", k, err)
	}
	return nil
}

func (s *EtcdStore) Get(ctx context.Context, key keys.Key) (*Peer, error) {
	k := etcdKey(key)
	resp, err := s.client.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("registry: etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var p Peer
	if err := json.Unmarshal(resp.Kvs[0].Value, &p); err != nil {
		return nil, fmt.Errorf("registry: unmarshal %q: %w", k, err)
	}
	return &p, nil
}

func (s *EtcdStore) Delete(ctx context.Context, key keys.Key) error {
	k := etcdKey(key)
	resp, err := s.client.Delete(ctx, k)
	if err != nil {
		return fmt.Errorf("registry: etcd delete %q: %w", k, err)
	}
	if resp.Deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

// List returns peers ordered by name.
func (s *EtcdStore) List(ctx context.Context) ([]Peer, error) {
	resp, err := s.client.Get(ctx, etcdPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: etcd list %q: %w", etcdPrefix, err)
	}
	out := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var p Peer
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("registry: unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, p)
	}
	sortPeers(out)
	return out, nil
}

// Close releases the etcd client connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
