// Package searchcache memoizes resolved search results per query. An
// in-process LRU tier answers repeats within one process; an optional
// Redis tier shares results across processes. Search is read-only, so
// serving a cached result only ever skips work, never changes it.
package searchcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/observability"
)

// Key derives a stable cache key from the query and the variable the
// resolved references were stamped with. The canonical form sorts
// stac_query keys so logically equal queries hash identically.
func Key(q model.Query, variable string) string {
	type canonical struct {
		Catalog     string   `json:"catalog"`
		Collections []string `json:"collections"`
		Range       string   `json:"range"`
		Query       []string `json:"query"`
		MaxItems    int      `json:"max_items"`
		Variable    string   `json:"variable"`
	}
	c := canonical{
		Catalog:     q.Catalog,
		Collections: q.Collections,
		Range:       q.TimeRange(),
		MaxItems:    q.MaxItems,
		Variable:    variable,
	}
	for k, v := range q.StacQuery {
		c.Query = append(c.Query, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(c.Query)
	b, _ := json.Marshal(c)
	return fmt.Sprintf("search:%016x", xxhash.Sum64(b))
}

type Store struct {
	mem *lru.Cache[string, []model.AssetReference]
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// New builds a store. redisAddr may be empty, leaving only the LRU tier.
func New(ctx context.Context, size int, ttl time.Duration, redisAddr string, log zerolog.Logger) (*Store, error) {
	if size < 1 {
		size = 1
	}
	mem, err := lru.New[string, []model.AssetReference](size)
	if err != nil {
		return nil, fmt.Errorf("search cache lru: %w", err)
	}

	s := &Store{
		mem: mem,
		ttl: ttl,
		log: log.With().Str("component", "searchcache").Logger(),
	}
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         redisAddr,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis ping %s: %w", redisAddr, err)
		}
		s.rdb = rdb
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]model.AssetReference, bool) {
	if refs, ok := s.mem.Get(key); ok {
		observability.IncCacheHit("lru")
		return refs, true
	}
	observability.IncCacheMiss("lru")

	if s.rdb == nil {
		return nil, false
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.Warn().Err(err).Msg("redis get failed")
		}
		observability.IncCacheMiss("redis")
		return nil, false
	}
	var refs []model.AssetReference
	if err := json.Unmarshal(raw, &refs); err != nil {
		s.log.Warn().Err(err).Msg("discarding undecodable cache entry")
		observability.IncCacheMiss("redis")
		return nil, false
	}
	observability.IncCacheHit("redis")
	s.mem.Add(key, refs)
	return refs, true
}

func (s *Store) Put(ctx context.Context, key string, refs []model.AssetReference) {
	s.mem.Add(key, refs)
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Msg("redis set failed")
	}
}
