package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tools.zach/dev/voicecord/internal/ledger"
)

// redisTimeout bounds every Redis round trip made by [RedisStore].
const redisTimeout = 5 * time.Second

// RedisOptions configures [NewRedisClient].
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// ///////////////////////////////////////////////
// RedisStore
// ///////////////////////////////////////////////

// RedisStore keeps the ledger document under <prefix>ledger and archives
// under <prefix>ledger:<date>.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store using rdb with keys under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// Key returns the live document key.
func (s *RedisStore) Key() string { return s.prefix + "ledger" }

// ArchiveKey returns the archive key for date; n > 1 adds a suffix.
func (s *RedisStore) ArchiveKey(date string, n int) string {
	key := s.Key() + ":" + date
	if n > 1 {
		key += "_" + strconv.Itoa(n)
	}
	return key
}

// Load fetches and decodes the ledger. A missing key is an empty ledger.
// An undecodable document is copied to <key>:corrupted.
func (s *RedisStore) Load() (*ledger.Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return ledger.New(), nil
	}
	if err != nil {
		return ledger.New(), fmt.Errorf("redis get %s: %w", s.Key(), err)
	}

	l, err := ledger.Decode(data)
	if errors.Is(err, ledger.ErrEmptyDocument) {
		return ledger.New(), nil
	}
	if err != nil {
		corrupted := s.Key() + ":corrupted"
		slog.Warn("corrupted ledger in redis, backing up", "key", s.Key(), "backup", corrupted, "error", err)
		if setErr := s.rdb.Set(ctx, corrupted, data, 0).Err(); setErr != nil {
			slog.Warn("failed to back up corrupted ledger", "key", corrupted, "error", setErr)
		}
		return ledger.New(), fmt.Errorf("corrupted ledger (backed up to %s): %w", corrupted, err)
	}
	return l, nil
}

// Save replaces the stored document.
func (s *RedisStore) Save(l *ledger.Ledger) error {
	data, err := ledger.Encode(l)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := s.rdb.Set(ctx, s.Key(), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.Key(), err)
	}
	return nil
}

// BackupAndReset copies the document to its dated archive key and resets
// the live key in one MULTI/EXEC transaction.
func (s *RedisStore) BackupAndReset(date string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	data, err := s.rdb.Get(ctx, s.Key()).Bytes()
	missing := errors.Is(err, redis.Nil)
	if err != nil && !missing {
		return fmt.Errorf("redis get %s: %w", s.Key(), err)
	}

	archive := ""
	if !missing {
		if archive, err = s.nextArchiveKey(ctx, date); err != nil {
			return err
		}
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if archive != "" {
			pipe.Set(ctx, archive, data, 0)
		}
		pipe.Set(ctx, s.Key(), ledger.EmptyDocument(), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis backup %s: %w", date, err)
	}
	if archive != "" {
		slog.Info("ledger archived", "key", archive)
	}
	return nil
}

func (s *RedisStore) nextArchiveKey(ctx context.Context, date string) (string, error) {
	for n := 1; n <= maxArchiveSuffix; n++ {
		key := s.ArchiveKey(date, n)
		exists, err := s.rdb.Exists(ctx, key).Result()
		if err != nil {
			return "", fmt.Errorf("redis exists %s: %w", key, err)
		}
		if exists == 0 {
			return key, nil
		}
	}
	return "", fmt.Errorf("too many archives for %s", date)
}
