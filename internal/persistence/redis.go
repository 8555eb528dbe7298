package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each save under its own key and the headers in one hash,
// so List is a single HGETALL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the keys, e.g. per game. Default "ludo".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore uses an existing client. Close closes it.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "ludo"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedis connects to a redis:// URL and checks the connection.
func OpenRedis(ctx context.Context, url string, opts ...RedisOption) (*RedisStore, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStore(client, opts...), nil
}

func (s *RedisStore) dataKey(slot string) string { return s.prefix + ":save:" + slot }
func (s *RedisStore) indexKey() string           { return s.prefix + ":saves" }

func (s *RedisStore) Save(ctx context.Context, slot string, sf *SaveFile) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if err := sf.Validate(); err != nil {
		return err
	}
	data, err := marshal(sf)
	if err != nil {
		return err
	}
	header, err := json.Marshal(sf.Header)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.dataKey(slot), data, 0)
		p.HSet(ctx, s.indexKey(), slot, header)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save slot %q: %w", slot, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, slot string) (*SaveFile, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.dataKey(slot)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load slot %q: %w", slot, err)
	}
	return unmarshal(data)
}

func (s *RedisStore) List(ctx context.Context) ([]SlotInfo, error) {
	all, err := s.client.HGetAll(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	out := make([]SlotInfo, 0, len(all))
	for slot, raw := range all {
		var h Header
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("slot %q header: %w", slot, err)
		}
		out = append(out, SlotInfo{Slot: slot, Header: h})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, slot string) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		del = p.Del(ctx, s.dataKey(slot))
		p.HDel(ctx, s.indexKey(), slot)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete slot %q: %w", slot, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%q: %w", slot, ErrSlotNotFound)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
