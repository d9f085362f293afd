package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/dustin/go-humanize"

	"gridkeep/internal/entity"
)

// queuedRow is one write_queue row, including its allocation-order id.
type queuedRow struct {
	QueueID     int64
	Index       sql.NullInt64
	Iter        int64
	UUID        string
	State       int
	Name        string
	Description string
	PositionX   int64
	PositionY   int64
	Aesthetics  string
	Ownership   sql.NullString
	Minted      bool
	Timestamp   int64
}

// Set enqueues an upsert per spec.md §4.5: appends to write_queue, updates
// the LRU, and triggers a synchronous (or forced) flush once queue_depth
// crosses MAX_QUEUE_ROWS (or 10x that, with a backpressure warning).
// If e.Index is nil, a fresh index is allocated via index_seq — never by a
// racy SELECT MAX(index)+1 (spec.md §9 forbids reproducing that race).
func (s *Store) Set(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if e.Index == nil {
		idx, err := s.allocateIndex(ctx)
		if err != nil {
			return e, err
		}
		e.Index = &idx
	}

	aesthetics, err := marshalAesthetics(e.Aesthetics)
	if err != nil {
		return e, err
	}

	if err := s.enqueue(ctx, e, aesthetics); err != nil {
		return e, err
	}

	s.writes.Add(1)
	depth := s.queueDepth.Add(1)

	s.lru.Add(lruKey(*e.Index, e.Iter), e)

	switch {
	case depth > int64(10*s.cfg.MaxQueueRows):
		s.logErr("write queue backpressure: depth=%s exceeds 10x threshold, forcing flush", humanize.Comma(depth))
		if err := s.flush(ctx, true); err != nil {
			s.logErr("forced flush: %v", err)
		}
	case depth >= int64(s.cfg.MaxQueueRows):
		if err := s.flush(ctx, false); err != nil {
			s.logErr("flush: %v", err)
		}
	}

	return e, nil
}

// enqueue inserts one write_queue row under its own acquire/release scope,
// returning the connection to the pool before Set considers a threshold
// flush. flush acquires its own connection for flushBatch, so holding this
// one across that call would deadlock any pool with PoolSize==1 (a legal
// spec.md §6 value).
func (s *Store) enqueue(ctx context.Context, e entity.Entity, aesthetics string) error {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.release(conn)

	var ownership sql.NullString
	if e.Ownership != nil {
		ownership = sql.NullString{String: *e.Ownership, Valid: true}
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO write_queue
			("index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		*e.Index, e.Iter, e.UUID, int(e.State), e.Name, e.Description, e.PositionX, e.PositionY,
		aesthetics, ownership, boolToInt(e.Minted), e.Timestamp)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func lruKey(index, iter int64) string {
	return itoa(index) + ":" + itoa(iter)
}

// flushLoop wakes every FlushInterval and flushes a non-forced batch if the
// queue is non-empty, per spec.md §4.5. It exits cleanly on cancellation,
// per spec.md §5's "cancellation as a clean exit" requirement — the
// in-flight flush (if any) always completes its transaction first because
// flush() itself never observes ctx cancellation mid-transaction.
func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.queueDepth.Load() > 0 {
				if err := s.flush(context.Background(), false); err != nil {
					s.logErr("periodic flush: %v", err)
				}
			}
		}
	}
}

// flush drains the write queue into the durable table under the write
// mutex, per spec.md §4.5's numbered protocol. Normal mode moves one batch
// of at most 2xMAX_QUEUE_ROWS; forced mode repeats until a batch returns
// fewer rows than requested.
func (s *Store) flush(ctx context.Context, force bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batchLimit := 2 * s.cfg.MaxQueueRows
	if force {
		batchLimit = 10 * s.cfg.MaxQueueRows
	}

	for {
		moved, err := s.flushBatch(ctx, batchLimit)
		if err != nil {
			return err
		}
		s.flushes.Add(1)
		s.flushCount++
		if s.flushCount%20 == 0 {
			if err := s.checkpointWAL(ctx); err != nil {
				s.logErr("wal checkpoint: %v", err)
			}
		}
		if depth, err := s.countQueue(ctx); err == nil {
			s.queueDepth.Store(depth)
		}

		if !force || moved < batchLimit {
			return nil
		}
	}
}

// flushBatch performs one IMMEDIATE-transaction batch: pull the oldest
// queue_id-ordered rows, INSERT OR REPLACE into entities, delete the queued
// rows. On any error the transaction rolls back and the rows remain queued
// for the next tick, per spec.md §7's "I/O errors inside flush roll back
// and log; rows stay in the queue".
func (s *Store) flushBatch(ctx context.Context, limit int) (int, error) {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.release(conn)

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	rows, err := tx.QueryContext(ctx, `
		SELECT queue_id, "index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp
		FROM write_queue ORDER BY queue_id ASC LIMIT ?`, limit)
	if err != nil {
		return 0, err
	}

	var batch []queuedRow
	for rows.Next() {
		var r queuedRow
		if err := rows.Scan(&r.QueueID, &r.Index, &r.Iter, &r.UUID, &r.State, &r.Name, &r.Description,
			&r.PositionX, &r.PositionY, &r.Aesthetics, &r.Ownership, &r.Minted, &r.Timestamp); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, tx.Commit()
	}

	for _, r := range batch {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO entities
				("index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Index, r.Iter, r.UUID, r.State, r.Name, r.Description, r.PositionX, r.PositionY,
			r.Aesthetics, r.Ownership, boolToInt(r.Minted), r.Timestamp); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM write_queue WHERE queue_id = ?", r.QueueID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	s.logInfo("flushed %d rows fingerprint=%s", len(batch), aestheticsFingerprint(batch))
	return len(batch), nil
}

func (s *Store) checkpointWAL(ctx context.Context) error {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.release(conn)
	_, err = conn.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE);")
	return err
}

func (s *Store) countQueue(ctx context.Context) (int64, error) {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.release(conn)

	var n int64
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM write_queue").Scan(&n)
	return n, err
}

// allocateIndex issues one id from the index_seq autoincrement allocator,
// the race-free replacement for SELECT MAX(index)+1 that spec.md §9
// requires.
func (s *Store) allocateIndex(ctx context.Context) (int64, error) {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.release(conn)

	res, err := conn.ExecContext(ctx, "INSERT INTO index_seq DEFAULT VALUES")
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
