package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultBucket is the JetStream KV bucket used for nova state.
const DefaultBucket = "NOVA_STATE"

// NATSKV stores keys in a JetStream key-value bucket.
type NATSKV struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewNATSKV opens the bucket, creating it if it doesn't exist.
func NewNATSKV(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*NATSKV, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return &NATSKV{kv: kv, logger: logger}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("nova %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// Get implements KV.
func (s *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Put implements KV.
func (s *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Create implements KV.
func (s *NATSKV) Create(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", key, err)
	}
	return nil
}

// List implements KV.
func (s *NATSKV) List(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer lister.Stop()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements KV. The connection belongs to the caller.
func (s *NATSKV) Close() error {
	return nil
}

// Watch implements Watcher.
func (s *NATSKV) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	watcher, err := s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("watch bucket: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer watcher.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// nil entry signals end of initial values replay
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				if !strings.HasPrefix(entry.Key(), prefix) {
					continue
				}
				select {
				case out <- entry.Key():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
