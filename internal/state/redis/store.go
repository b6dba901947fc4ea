// Package redis implements a StateStore shared by workers in many processes.
//
// Keys for session S under prefix P:
//
//	P:S:phase       string
//	P:S:processing  set of paths
//	P:S:finished    set of paths
//	P:S:records     hash path -> JSON record
//	P:S:order       list of record paths in insertion order
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Scripts run atomically server side; MarkProcessing is the dedup point for
// every worker in every process.
var (
	markProcessingScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return 0
end
return redis.call('SADD', KEYS[1], ARGV[1])
`)

	markFinishedScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

	putRecordScript = redis.NewScript(`
if redis.call('HSET', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

	setPhaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == 'failed' and ARGV[1] ~= 'failed' then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

	beginSessionScript = redis.NewScript(`
local phase = redis.call('GET', KEYS[1])
if phase == 'seeding' or phase == 'crawling' or phase == 'draining' then
  return 0
end
if phase ~= 'failed' and redis.call('SCARD', KEYS[2]) > 0 then
  return 0
end
redis.call('DEL', KEYS[2], KEYS[3], KEYS[4], KEYS[5])
redis.call('SET', KEYS[1], 'seeding')
return 1
`)
)

// Config controls key naming.
type Config struct {
	KeyPrefix string
}

// Store is a Redis-backed crawler.StateStore.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "catalog"
	}
	return &Store{client: client, prefix: prefix}, nil
}

type sessionKeys struct {
	phase      string
	processing string
	finished   string
	records    string
	order      string
}

func (s *Store) keys(session string) sessionKeys {
	base := s.prefix + ":" + session + ":"
	return sessionKeys{
		phase:      base + "phase",
		processing: base + "processing",
		finished:   base + "finished",
		records:    base + "records",
		order:      base + "order",
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrStoreUnavailable, err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// BeginSession claims the session unless it is seeding, crawling or draining,
// or an earlier crawl that did not fail still has URLs in flight.
func (s *Store) BeginSession(ctx context.Context, session string) (bool, error) {
	k := s.keys(session)
	n, err := beginSessionScript.Run(ctx, s.client,
		[]string{k.phase, k.processing, k.finished, k.records, k.order}).Int()
	if err != nil {
		return false, unavailable("begin session", err)
	}
	return n == 1, nil
}

// SetPhase records the session phase. A failed session keeps its phase
// until BeginSession claims it again.
func (s *Store) SetPhase(ctx context.Context, session string, phase crawler.Phase) error {
	n, err := setPhaseScript.Run(ctx, s.client, []string{s.keys(session).phase}, string(phase)).Int()
	if err != nil {
		return unavailable("set phase", err)
	}
	if n == 0 {
		return fmt.Errorf("set phase %s on %s: %w", phase, session, crawler.ErrSessionFailed)
	}
	return nil
}

// Phase returns the session phase, PhaseAbsent when unset.
func (s *Store) Phase(ctx context.Context, session string) (crawler.Phase, error) {
	val, err := s.client.Get(ctx, s.keys(session).phase).Result()
	if errors.Is(err, redis.Nil) {
		return crawler.PhaseAbsent, nil
	}
	if err != nil {
		return crawler.PhaseAbsent, unavailable("get phase", err)
	}
	return crawler.Phase(val), nil
}

// MarkProcessing adds path to the processing set unless it was seen before.
func (s *Store) MarkProcessing(ctx context.Context, session, path string) (bool, error) {
	k := s.keys(session)
	n, err := markProcessingScript.Run(ctx, s.client, []string{k.processing, k.finished}, path).Int()
	if err != nil {
		return false, unavailable("mark processing", err)
	}
	return n == 1, nil
}

// MarkFinished moves path from processing to finished.
func (s *Store) MarkFinished(ctx context.Context, session, path string) error {
	k := s.keys(session)
	if err := markFinishedScript.Run(ctx, s.client, []string{k.processing, k.finished}, path).Err(); err != nil {
		return unavailable("mark finished", err)
	}
	return nil
}

// PutRecord stores the record for path.
func (s *Store) PutRecord(ctx context.Context, session, path string, record crawler.Record) error {
	data, err := crawler.MarshalRecord(record)
	if err != nil {
		return err
	}
	k := s.keys(session)
	if err := putRecordScript.Run(ctx, s.client, []string{k.records, k.order}, path, data).Err(); err != nil {
		return unavailable("put record", err)
	}
	return nil
}

// Records returns every stored record in insertion order.
func (s *Store) Records(ctx context.Context, session string) ([]crawler.Record, error) {
	k := s.keys(session)
	paths, err := s.client.LRange(ctx, k.order, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list record order", err)
	}
	if len(paths) == 0 {
		return nil, nil
	}
	values, err := s.client.HMGet(ctx, k.records, paths...).Result()
	if err != nil {
		return nil, unavailable("read records", err)
	}
	out := make([]crawler.Record, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := crawler.UnmarshalRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", paths[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordCount returns the number of stored records.
func (s *Store) RecordCount(ctx context.Context, session string) (int64, error) {
	n, err := s.client.HLen(ctx, s.keys(session).records).Result()
	if err != nil {
		return 0, unavailable("count records", err)
	}
	return n, nil
}

// Stats reads set sizes and the phase in one round trip.
func (s *Store) Stats(ctx context.Context, session string) (crawler.SessionStats, error) {
	k := s.keys(session)
	pipe := s.client.Pipeline()
	processing := pipe.SCard(ctx, k.processing)
	finished := pipe.SCard(ctx, k.finished)
	records := pipe.HLen(ctx, k.records)
	phase := pipe.Get(ctx, k.phase)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return crawler.SessionStats{}, unavailable("stats", err)
	}
	return crawler.SessionStats{
		Session:    session,
		Phase:      crawler.Phase(phase.Val()),
		Processing: processing.Val(),
		Finished:   finished.Val(),
		Records:    records.Val(),
	}, nil
}

// Purge deletes the visitation sets and records but keeps the phase.
func (s *Store) Purge(ctx context.Context, session string) error {
	k := s.keys(session)
	if err := s.client.Del(ctx, k.processing, k.finished, k.records, k.order).Err(); err != nil {
		return unavailable("purge", err)
	}
	return nil
}
