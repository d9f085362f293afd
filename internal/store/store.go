// Package store implements C5, the zone store: the dominant component of
// gridkeep. One Store binds to one zone's SQLite file and provides pooled,
// cached, write-queued access to its versioned entities, per spec.md §4.5.
//
// Grounded on the teacher's db.go (WAL DSN, createSchema, initIdentity
// bootstrap shape) and ownworld.go's background-ticker pattern for the
// flush loop; the connection-pool-as-channel and LRU-via-hashicorp pieces
// have no direct teacher analogue and are new per spec.md §9's "polymorphic
// store base... model as a single struct, not a class hierarchy" guidance.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"lukechampine.com/blake3"

	"gridkeep/internal/entity"
)

// Config is one zone store's tunables, sourced from internal/config.Store.
type Config struct {
	Zone          int
	DBDir         string
	DriverName    string // "sqlite3" (mattn, production) or "sqlite" (modernc, tests)
	PoolSize      int
	FlushInterval time.Duration
	MaxQueueRows  int
	LRUCacheSize  int
}

// Health mirrors the per-zone counters spec.md §4.7 exposes at
// GET /health/{zone}, extended per SPEC_FULL.md §5 with a monotonic uptime.
type Health struct {
	Started        int64  `json:"started"`
	StartedHuman   string `json:"started_human"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Flushes        uint64 `json:"flushes"`
	Writes         uint64 `json:"writes"`
	CacheHits      uint64 `json:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses"`
	QueueDepth     int64  `json:"queue_depth"`
}

// Store is one zone's entity store: pooled connections, an LRU cache, the
// write queue, and the background flush loop.
type Store struct {
	cfg Config
	log *log.Logger
	err *log.Logger

	pool *pool
	lru  *lru.Cache[string, entity.Entity]

	writeMu sync.Mutex // serializes flush; also guards flushCount

	started     int64
	flushes     atomic.Uint64
	writes      atomic.Uint64
	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
	queueDepth  atomic.Int64
	flushCount  int // protected by writeMu; every 20th flush checkpoints WAL

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Open opens (creating if absent) the zone{N}.sqlite file named by cfg,
// builds the schema, starts the flush loop, and returns a ready Store.
func Open(ctx context.Context, cfg Config, infoLog, errLog *log.Logger) (*Store, error) {
	if cfg.DriverName == "" {
		cfg.DriverName = "sqlite3"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.LRUCacheSize <= 0 {
		cfg.LRUCacheSize = 2048
	}

	var dsn string
	if cfg.DriverName == "sqlite3" {
		path := filepath.Join(cfg.DBDir, fmt.Sprintf("zone%d.sqlite", cfg.Zone))
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	} else {
		dsn = cfg.DBDir // test callers pass ":memory:" or a file: DSN directly
	}

	p, err := openPool(ctx, cfg.DriverName, dsn, cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	conn, err := p.acquire(ctx)
	if err != nil {
		p.close()
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, schemaMutable); err != nil {
		p.release(conn)
		p.close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	p.release(conn)

	cache, err := lru.New[string, entity.Entity](cfg.LRUCacheSize)
	if err != nil {
		p.close()
		return nil, fmt.Errorf("build lru: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:     cfg,
		log:     infoLog,
		err:     errLog,
		pool:    p,
		lru:     cache,
		started: time.Now().Unix(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.running.Store(true)

	queueDepth, err := s.countQueue(ctx)
	if err == nil {
		s.queueDepth.Store(queueDepth)
	}

	go s.flushLoop(loopCtx)
	return s, nil
}

// Health returns a point-in-time snapshot of this store's counters.
func (s *Store) Health() Health {
	startedAt := time.Unix(s.started, 0)
	return Health{
		Started:       s.started,
		StartedHuman:  humanize.Time(startedAt),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		Flushes:       s.flushes.Load(),
		Writes:        s.writes.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		QueueDepth:    s.queueDepth.Load(),
	}
}

// Close implements spec.md §4.5's shutdown sequence: stop accepting new
// flush ticks, force a final flush, then close every pooled handle.
func (s *Store) Close(ctx context.Context) error {
	s.running.Store(false)
	s.cancel()
	<-s.done

	if err := s.flush(ctx, true); err != nil {
		s.logErr("final flush on close: %v", err)
	}
	s.pool.close()
	return nil
}

func (s *Store) logInfo(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func (s *Store) logErr(format string, args ...interface{}) {
	if s.err != nil {
		s.err.Printf(format, args...)
	}
}

// aestheticsFingerprint hashes a batch's serialized aesthetics blobs with
// BLAKE3 for a cheap per-flush content fingerprint in log lines, mirroring
// the teacher's hashBLAKE3-everywhere idiom (utils.go) without repurposing
// SHA-256, which spec.md §4.3 reserves for the synthesizer seed.
func aestheticsFingerprint(rows []queuedRow) string {
	h := blake3.New(32, nil)
	for _, r := range rows {
		h.Write([]byte(r.Aesthetics))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}

func marshalAesthetics(a entity.Aesthetics) (string, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalAesthetics(s string) entity.Aesthetics {
	if s == "" {
		return entity.Aesthetics{}
	}
	var a entity.Aesthetics
	if err := json.Unmarshal([]byte(s), &a); err != nil {
		return entity.Aesthetics{}
	}
	return a
}
