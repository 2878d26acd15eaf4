// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	thverrors "github.com/stacklok/toolhive-bff/pkg/errors"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// DefaultKeyPrefix namespaces every key written by the Redis store.
const DefaultKeyPrefix = "thv:bff:"

// RedisConfig holds Redis connection configuration for runtime use.
// Exactly one of Addr or SentinelConfig must be set.
type RedisConfig struct {
	// Addr is a standalone server address (host:port).
	Addr string

	// SentinelConfig selects a Sentinel-managed deployment.
	SentinelConfig *SentinelConfig

	// Username and Password for ACL authentication (optional).
	Username string
	Password string

	// DB selects the logical database for standalone deployments.
	DB int

	// KeyPrefix for multi-tenancy (default "thv:bff:").
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
	DB            int
}

// RedisStore implements Store on Redis.
//
// Each record is a JSON string under "<prefix>session:<key>". Secondary index
// sets "<prefix>sub:<subject>" and "<prefix>sid:<sid>" hold record keys, and
// the sorted set "<prefix>expires" scores keys by expiry for the sweeper.
// Index entries can go stale if a process dies mid-write; reads re-check every
// record against the filter and prune dangling members.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

var (
	_ Store          = (*RedisStore)(nil)
	_ ExpiredDeleter = (*RedisStore)(nil)
)

// storedRecord is the JSON form of a Record.
type storedRecord struct {
	Key       string     `json:"key"`
	SubjectID string     `json:"sub"`
	SessionID string     `json:"sid,omitempty"`
	Scheme    string     `json:"scheme"`
	Created   time.Time  `json:"created"`
	Renewed   time.Time  `json:"renewed"`
	Expires   *time.Time `json:"expires,omitempty"`
	Ticket    string     `json:"ticket"`
}

func toStored(r *Record) storedRecord {
	return storedRecord{
		Key:       r.Key,
		SubjectID: r.SubjectID,
		SessionID: r.SessionID,
		Scheme:    r.Scheme,
		Created:   r.Created,
		Renewed:   r.Renewed,
		Expires:   r.Expires,
		Ticket:    r.Ticket,
	}
}

func (s storedRecord) toRecord() *Record {
	return (&Record{
		Key:       s.Key,
		SubjectID: s.SubjectID,
		SessionID: s.SessionID,
		Scheme:    s.Scheme,
		Created:   s.Created,
		Renewed:   s.Renewed,
		Expires:   s.Expires,
		Ticket:    s.Ticket,
	}).Clone()
}

// NewRedisStore connects to Redis and returns a store.
// Returns error if configuration validation fails or connection cannot be established.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	var client redis.UniversalClient
	if cfg.SentinelConfig != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.SentinelConfig.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.Addr == "" && cfg.SentinelConfig == nil {
		return errors.New("either addr or sentinel configuration is required")
	}
	if cfg.Addr != "" && cfg.SentinelConfig != nil {
		return errors.New("addr and sentinel configuration are mutually exclusive")
	}
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(key string) string { return s.keyPrefix + "session:" + key }

func (s *RedisStore) subjectKey(sub string) string { return s.keyPrefix + "sub:" + sub }

func (s *RedisStore) sessionIDKey(sid string) string { return s.keyPrefix + "sid:" + sid }

func (s *RedisStore) expiryKey() string { return s.keyPrefix + "expires" }

// Create stores the record with SET NX so concurrent creators of the same
// key race on a single atomic command.
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}

	data, err := json.Marshal(toStored(record))
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(record.Key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	if !ok {
		return duplicateKeyError()
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.addIndexes(ctx, pipe, record)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index session record: %w", err)
	}
	return nil
}

func (s *RedisStore) addIndexes(ctx context.Context, pipe redis.Pipeliner, r *Record) {
	if r.SubjectID != "" {
		pipe.SAdd(ctx, s.subjectKey(r.SubjectID), r.Key)
	}
	if r.SessionID != "" {
		pipe.SAdd(ctx, s.sessionIDKey(r.SessionID), r.Key)
	}
	if r.Expires != nil {
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(r.Expires.Unix()), Member: r.Key})
	} else {
		pipe.ZRem(ctx, s.expiryKey(), r.Key)
	}
}

func (s *RedisStore) removeIndexes(ctx context.Context, pipe redis.Pipeliner, r *Record) {
	if r.SubjectID != "" {
		pipe.SRem(ctx, s.subjectKey(r.SubjectID), r.Key)
	}
	if r.SessionID != "" {
		pipe.SRem(ctx, s.sessionIDKey(r.SessionID), r.Key)
	}
	pipe.ZRem(ctx, s.expiryKey(), r.Key)
}

// Get returns the record for key, or nil when unknown.
func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return decodeRecord(data)
}

func decodeRecord(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, thverrors.NewInternalError("failed to unmarshal session record", err)
	}
	return stored.toRecord(), nil
}

// Update rewrites the record with SET XX so a record deleted concurrently is
// never recreated.
func (s *RedisStore) Update(ctx context.Context, key string, u Update) error {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return notFoundError()
	}

	u.apply(existing)
	data, err := json.Marshal(toStored(existing))
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	ok, err := s.client.SetXX(ctx, s.recordKey(key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update session record: %w", err)
	}
	if !ok {
		return notFoundError()
	}

	// Only the expiry index depends on mutable fields.
	if existing.Expires != nil {
		err = s.client.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(existing.Expires.Unix()), Member: key}).Err()
	} else {
		err = s.client.ZRem(ctx, s.expiryKey(), key).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to index session record: %w", err)
	}
	return nil
}

// Delete removes the record and its index entries.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	existing, err := s.Get(ctx, key)
	if err != nil && !thverrors.IsInternal(err) {
		return err
	}
	return s.deleteRecords(ctx, []string{key}, nilSafe(existing))
}

func nilSafe(r *Record) []*Record {
	if r == nil {
		return nil
	}
	return []*Record{r}
}

func (s *RedisStore) deleteRecords(ctx context.Context, keys []string, records []*Record) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, s.recordKey(k))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKeys...)
		for _, r := range records {
			s.removeIndexes(ctx, pipe, r)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session records: %w", err)
	}
	return nil
}

// Query returns every record matching the filter, oldest first. Records
// whose payload cannot be decoded are skipped.
func (s *RedisStore) Query(ctx context.Context, filter Filter) ([]*Record, error) {
	result, _, err := s.load(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortRecords(result)
	return result, nil
}

// load reads the records indexed under the filter. Keys whose payload cannot
// be decoded are returned separately; index membership is the only evidence
// they match.
func (s *RedisStore) load(ctx context.Context, filter Filter) (matched []*Record, undecodable []string, err error) {
	if err := filter.Validate(); err != nil {
		return nil, nil, err
	}

	keys, err := s.candidateKeys(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	if len(keys) == 0 {
		return nil, nil, nil
	}

	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, s.recordKey(k))
	}
	values, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session records: %w", err)
	}

	var stale []string
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			undecodable = append(undecodable, keys[i])
			continue
		}
		if filter.Matches(r) {
			matched = append(matched, r)
		}
	}
	s.pruneStale(ctx, filter, stale)
	return matched, undecodable, nil
}

// candidateKeys reads the index sets named by the filter. When both fields
// are set the intersection is returned.
func (s *RedisStore) candidateKeys(ctx context.Context, filter Filter) ([]string, error) {
	var (
		keys []string
		err  error
	)
	switch {
	case filter.SubjectID != "" && filter.SessionID != "":
		keys, err = s.client.SInter(ctx, s.subjectKey(filter.SubjectID), s.sessionIDKey(filter.SessionID)).Result()
	case filter.SubjectID != "":
		keys, err = s.client.SMembers(ctx, s.subjectKey(filter.SubjectID)).Result()
	default:
		keys, err = s.client.SMembers(ctx, s.sessionIDKey(filter.SessionID)).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	return keys, nil
}

// pruneStale drops index members whose record no longer exists. Failures are
// ignored; the next read will retry.
func (s *RedisStore) pruneStale(ctx context.Context, filter Filter, stale []string) {
	if len(stale) == 0 {
		return
	}
	members := make([]any, 0, len(stale))
	for _, k := range stale {
		members = append(members, k)
	}
	_, _ = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if filter.SubjectID != "" {
			pipe.SRem(ctx, s.subjectKey(filter.SubjectID), members...)
		}
		if filter.SessionID != "" {
			pipe.SRem(ctx, s.sessionIDKey(filter.SessionID), members...)
		}
		pipe.ZRem(ctx, s.expiryKey(), members...)
		return nil
	})
}

// DeleteMany removes every record matching the filter, including indexed
// records whose payload cannot be decoded.
func (s *RedisStore) DeleteMany(ctx context.Context, filter Filter) error {
	records, undecodable, err := s.load(ctx, filter)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(records)+len(undecodable))
	for _, r := range records {
		keys = append(keys, r.Key)
	}
	for _, k := range undecodable {
		keys = append(keys, k)
		records = append(records, &Record{Key: k, SubjectID: filter.SubjectID, SessionID: filter.SessionID})
	}
	return s.deleteRecords(ctx, keys, records)
}

// DeleteExpired removes records whose expiry score is before the given time.
func (s *RedisStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	keys, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read expiry index: %w", err)
	}

	removed := 0
	for _, key := range keys {
		existing, err := s.Get(ctx, key)
		if err != nil && !thverrors.IsInternal(err) {
			return removed, err
		}
		if existing != nil && (existing.Expires == nil || !existing.Expires.Before(before)) {
			// Renewed since the index was read.
			continue
		}
		if err := s.deleteRecords(ctx, []string{key}, nilSafe(existing)); err != nil {
			return removed, err
		}
		if existing != nil {
			removed++
		} else {
			_ = s.client.ZRem(ctx, s.expiryKey(), key).Err()
		}
	}
	return removed, nil
}
