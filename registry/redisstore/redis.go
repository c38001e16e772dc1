// Package redisstore provides the shared implementation of registry.Store
// for multi-instance deployments. Connection records are flat redis hashes;
// the per-user index uses set operations so concurrent instances never lose
// updates to read-modify-write races; response queues and pending buffers are
// redis lists.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/promptbridge/bridge/registry"
)

// Config for the redis-backed store.
type Config struct {
	// Addr like "localhost:6379".
	Addr string
	// KeyPrefix for all keys. Default "bridge:".
	KeyPrefix string
	// RecordTTL bounds how long orphaned keys survive a crashed instance.
	// Default one hour. Live connections are touched well inside this window.
	RecordTTL time.Duration
}

// Store implements registry.Store on redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
	recordTTL time.Duration
}

var _ registry.Store = (*Store)(nil)

// New connects to redis with a bounded exponential retry and verifies the
// connection with a ping before returning.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "bridge:"
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = time.Hour
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 250 * time.Millisecond
	expBackoff.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	}, backoff.WithBackOff(expBackoff), backoff.WithMaxTries(5))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Store{client: client, keyPrefix: cfg.KeyPrefix, recordTTL: cfg.RecordTTL}, nil
}

// NewWithClient wraps an existing client (used by tests with miniredis).
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = "bridge:"
	}
	return &Store{client: client, keyPrefix: keyPrefix, recordTTL: time.Hour}
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) connKey(id string) string          { return s.keyPrefix + "conn:" + id }
func (s *Store) userKey(userContext string) string { return s.keyPrefix + "user:" + userContext }
func (s *Store) queueKey(id string) string         { return s.keyPrefix + "queue:" + id }
func (s *Store) pendingKey(id string) string       { return s.keyPrefix + "pending:" + id }

const timeLayout = time.RFC3339Nano

func (s *Store) PutConnection(ctx context.Context, conn *registry.Connection) error {
	fields := map[string]any{
		"id":            conn.ID,
		"user_context":  conn.UserContext,
		"server_url":    conn.ServerURL,
		"auth_token":    conn.AuthToken,
		"device":        conn.Device,
		"remote_addr":   conn.RemoteAddr,
		"created_at":    conn.CreatedAt.Format(timeLayout),
		"last_activity": conn.LastActivity.Format(timeLayout),
		"active":        boolField(conn.Active),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.connKey(conn.ID), fields)
	pipe.Expire(ctx, s.connKey(conn.ID), s.recordTTL)
	pipe.SAdd(ctx, s.userKey(conn.UserContext), conn.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id string) (*registry.Connection, error) {
	fields, err := s.client.HGetAll(ctx, s.connKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	if len(fields) == 0 {
		return nil, registry.ErrConnectionGone
	}
	return connFromFields(fields)
}

func (s *Store) DeleteConnection(ctx context.Context, id string) (bool, error) {
	// Removal must complete even when the caller's context is already done
	// (stream teardown runs on canceled request contexts).
	c := context.WithoutCancel(ctx)

	fields, err := s.client.HGetAll(c, s.connKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete connection: %w", err)
	}
	if len(fields) == 0 {
		return false, nil
	}

	// DEL of the record key is the authoritative marker: racing removers may
	// both read the fields, but only one observes a nonzero delete count.
	pipe := s.client.TxPipeline()
	delCmd := pipe.Del(c, s.connKey(id))
	pipe.Del(c, s.queueKey(id), s.pendingKey(id))
	if uc := fields["user_context"]; uc != "" {
		pipe.SRem(c, s.userKey(uc), id)
	}
	if _, err := pipe.Exec(c); err != nil {
		return false, fmt.Errorf("delete connection: %w", err)
	}
	return delCmd.Val() > 0, nil
}

func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	// Single-field HSET keeps the update atomic without read-modify-write.
	n, err := s.client.Exists(ctx, s.connKey(id)).Result()
	if err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	if n == 0 {
		return registry.ErrConnectionGone
	}
	if err := s.client.HSet(ctx, s.connKey(id), "last_activity", at.Format(timeLayout)).Err(); err != nil {
		return fmt.Errorf("touch connection: %w", err)
	}
	return s.client.Expire(ctx, s.connKey(id), s.recordTTL).Err()
}

func (s *Store) UserConnections(ctx context.Context, userContext string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userContext)).Result()
	if err != nil {
		return nil, fmt.Errorf("user connections: %w", err)
	}
	return ids, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]*registry.Connection, error) {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"conn:*")
	if err != nil {
		return nil, err
	}

	conns := make([]*registry.Connection, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("list connections: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		conn, err := connFromFields(fields)
		if err != nil {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func (s *Store) Enqueue(ctx context.Context, id string, payload []byte) error {
	n, err := s.client.Exists(ctx, s.connKey(id)).Result()
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if n == 0 {
		return registry.ErrConnectionGone
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.queueKey(id), payload)
	pipe.Expire(ctx, s.queueKey(id), s.recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, id string, wait time.Duration) ([]byte, error) {
	res, err := s.client.BLPop(ctx, wait, s.queueKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Wait elapsed with nothing queued. Distinguish an idle
			// connection from a removed one.
			n, eerr := s.client.Exists(ctx, s.connKey(id)).Result()
			if eerr != nil {
				return nil, fmt.Errorf("dequeue: %w", eerr)
			}
			if n == 0 {
				return nil, registry.ErrConnectionGone
			}
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (s *Store) AddPending(ctx context.Context, p *registry.PendingRequest) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.pendingKey(p.ConnectionID), data)
	pipe.Expire(ctx, s.pendingKey(p.ConnectionID), s.recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

func (s *Store) DrainPending(ctx context.Context, id string) ([]*registry.PendingRequest, error) {
	key := s.pendingKey(id)

	pipe := s.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain pending: %w", err)
	}

	raw := rangeCmd.Val()
	drained := make([]*registry.PendingRequest, 0, len(raw))
	for _, item := range raw {
		var p registry.PendingRequest
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			continue
		}
		drained = append(drained, &p)
	}
	return drained, nil
}

func (s *Store) PrunePending(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"pending:*")
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, key := range keys {
		items, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			continue
		}
		// Entries arrive in time order; count the stale prefix and trim it.
		stale := 0
		for _, item := range items {
			var p registry.PendingRequest
			if err := json.Unmarshal([]byte(item), &p); err != nil {
				stale++
				continue
			}
			if p.QueuedAt.After(cutoff) {
				break
			}
			stale++
		}
		if stale == 0 {
			continue
		}
		if stale == len(items) {
			_ = s.client.Del(ctx, key).Err()
		} else {
			_ = s.client.LTrim(ctx, key, int64(stale), -1).Err()
		}
		pruned += stale
	}
	return pruned, nil
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func connFromFields(fields map[string]string) (*registry.Connection, error) {
	createdAt, err := time.Parse(timeLayout, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastActivity, err := time.Parse(timeLayout, fields["last_activity"])
	if err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}
	active, _ := strconv.ParseBool(fields["active"])
	return &registry.Connection{
		ID:           fields["id"],
		UserContext:  fields["user_context"],
		ServerURL:    fields["server_url"],
		AuthToken:    fields["auth_token"],
		Device:       fields["device"],
		RemoteAddr:   fields["remote_addr"],
		CreatedAt:    createdAt,
		LastActivity: lastActivity,
		Active:       active,
	}, nil
}
