package store

import (
	"context"
	"database/sql"
	"sort"
	"strconv"

	"gridkeep/internal/entity"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// Get consults the LRU first (only when iter is specified), then the write
// queue, then the durable table, per spec.md §4.5. A nil iter means
// "latest": the LRU is never consulted (it only ever holds specific
// versions), and the query is `ORDER BY iter DESC LIMIT 1`.
func (s *Store) Get(ctx context.Context, index int64, iter *int64) (entity.Entity, bool, error) {
	if iter != nil {
		if e, ok := s.lru.Get(lruKey(index, *iter)); ok {
			s.cacheHits.Add(1)
			return e, true, nil
		}
	}
	s.cacheMisses.Add(1)

	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return entity.Entity{}, false, err
	}
	defer s.pool.release(conn)

	if iter != nil {
		if e, ok, err := s.queryOne(ctx, conn, "write_queue", index, iter); ok || err != nil {
			if ok {
				s.lru.Add(lruKey(index, *iter), e)
			}
			return e, ok, err
		}
		e, ok, err := s.queryOne(ctx, conn, "entities", index, iter)
		if ok {
			s.lru.Add(lruKey(index, *iter), e)
		}
		return e, ok, err
	}

	if e, ok, err := s.queryLatest(ctx, conn, "write_queue", index); ok || err != nil {
		return e, ok, err
	}
	return s.queryLatest(ctx, conn, "entities", index)
}

func (s *Store) queryOne(ctx context.Context, conn *sql.Conn, table string, index int64, iter *int64) (entity.Entity, bool, error) {
	row := conn.QueryRowContext(ctx, `SELECT "index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp
		FROM `+table+` WHERE "index" = ? AND iter = ?`, index, *iter)
	return scanEntity(row)
}

func (s *Store) queryLatest(ctx context.Context, conn *sql.Conn, table string, index int64) (entity.Entity, bool, error) {
	row := conn.QueryRowContext(ctx, `SELECT "index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp
		FROM `+table+` WHERE "index" = ? ORDER BY iter DESC LIMIT 1`, index)
	return scanEntity(row)
}

func scanEntity(row *sql.Row) (entity.Entity, bool, error) {
	var (
		idx, iter, posX, posY, ts int64
		uuid, name, desc, aesth   string
		state                     int
		ownership                 sql.NullString
		minted                    int
	)
	err := row.Scan(&idx, &iter, &uuid, &state, &name, &desc, &posX, &posY, &aesth, &ownership, &minted, &ts)
	if err == sql.ErrNoRows {
		return entity.Entity{}, false, nil
	}
	if err != nil {
		return entity.Entity{}, false, err
	}

	e := entity.Entity{
		Index:       &idx,
		Iter:        iter,
		UUID:        uuid,
		State:       entity.State(state),
		Name:        name,
		Description: desc,
		PositionX:   posX,
		PositionY:   posY,
		Aesthetics:  unmarshalAesthetics(aesth),
		Minted:      minted != 0,
		Timestamp:   ts,
		Exists:      true,
	}
	if ownership.Valid {
		v := ownership.String
		e.Ownership = &v
	}
	return e, true, nil
}

// RangeQuery returns, for each distinct index with a row inside the
// rectangle, the row with the maximum iter — reading only the durable
// table, per spec.md §4.5/§9 (the write queue is deliberately not unioned
// in). Default limit is 64 when limit <= 0.
func (s *Store) RangeQuery(ctx context.Context, minX, maxX, minY, maxY int64, limit int) ([]entity.Entity, error) {
	if limit <= 0 {
		limit = 64
	}

	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.release(conn)

	rows, err := conn.QueryContext(ctx, `
		SELECT e."index", e.iter, e.uuid, e.state, e.name, e.description, e.positionX, e.positionY, e.aesthetics, e.ownership, e.minted, e.timestamp
		FROM entities e
		INNER JOIN (
			SELECT "index", MAX(iter) AS max_iter FROM entities
			WHERE positionX BETWEEN ? AND ? AND positionY BETWEEN ? AND ?
			GROUP BY "index"
		) latest ON latest."index" = e."index" AND latest.max_iter = e.iter
		WHERE e.positionX BETWEEN ? AND ? AND e.positionY BETWEEN ? AND ?
		LIMIT ?`,
		minX, maxX, minY, maxY, minX, maxX, minY, maxY, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntityRows(rows *sql.Rows) (entity.Entity, error) {
	var (
		idx, iter, posX, posY, ts int64
		uuid, name, desc, aesth   string
		state                     int
		ownership                 sql.NullString
		minted                    int
	)
	if err := rows.Scan(&idx, &iter, &uuid, &state, &name, &desc, &posX, &posY, &aesth, &ownership, &minted, &ts); err != nil {
		return entity.Entity{}, err
	}
	e := entity.Entity{
		Index:       &idx,
		Iter:        iter,
		UUID:        uuid,
		State:       entity.State(state),
		Name:        name,
		Description: desc,
		PositionX:   posX,
		PositionY:   posY,
		Aesthetics:  unmarshalAesthetics(aesth),
		Minted:      minted != 0,
		Timestamp:   ts,
		Exists:      true,
	}
	if ownership.Valid {
		v := ownership.String
		e.Ownership = &v
	}
	return e, nil
}

// GetItersOfOne returns every row (queue union table) at (x, y) with
// iter <= intendedIter (or all rows when intendedIter is nil), sorted by
// (index ASC, iter DESC), plus max_iter_on_file and is_latest_on_file, per
// spec.md §4.5.
func (s *Store) GetItersOfOne(ctx context.Context, x, y int64, intendedIter *int64) (entity.Stack, error) {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return entity.Stack{}, err
	}
	defer s.pool.release(conn)

	rowsQ, err := s.collectByPosition(ctx, conn, "write_queue", x, y)
	if err != nil {
		return entity.Stack{}, err
	}
	rowsT, err := s.collectByPosition(ctx, conn, "entities", x, y)
	if err != nil {
		return entity.Stack{}, err
	}

	merged := mergeLatestWins(rowsQ, rowsT)

	var maxIterOnFile *int64
	for _, e := range merged {
		if maxIterOnFile == nil || e.Iter > *maxIterOnFile {
			v := e.Iter
			maxIterOnFile = &v
		}
	}

	var filtered []entity.Entity
	for _, e := range merged {
		if intendedIter == nil || e.Iter <= *intendedIter {
			filtered = append(filtered, e)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		if *filtered[i].Index != *filtered[j].Index {
			return *filtered[i].Index < *filtered[j].Index
		}
		return filtered[i].Iter > filtered[j].Iter
	})

	isLatest := intendedIter == nil || maxIterOnFile == nil || *intendedIter >= *maxIterOnFile

	return entity.Stack{
		Entities:       filtered,
		MaxIterOnFile:  maxIterOnFile,
		IsLatestOnFile: isLatest,
	}, nil
}

func (s *Store) collectByPosition(ctx context.Context, conn *sql.Conn, table string, x, y int64) ([]entity.Entity, error) {
	rows, err := conn.QueryContext(ctx, `SELECT "index", iter, uuid, state, name, description, positionX, positionY, aesthetics, ownership, minted, timestamp
		FROM `+table+` WHERE positionX = ? AND positionY = ?`, x, y)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// mergeLatestWins combines queue and table rows for the same (index, iter),
// preferring the queue's version since it is the newer, not-yet-flushed
// write (the queue "shadows" the table per spec.md §3).
func mergeLatestWins(queue, table []entity.Entity) []entity.Entity {
	byKey := make(map[string]entity.Entity, len(queue)+len(table))
	for _, e := range table {
		byKey[lruKey(*e.Index, e.Iter)] = e
	}
	for _, e := range queue {
		byKey[lruKey(*e.Index, e.Iter)] = e
	}
	out := make([]entity.Entity, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	return out
}

// GetMaxIndex answers the GET /get_max_index/{zone} read, per spec.md §4.5.
// It is a plain SELECT MAX(index) and is informational only: allocation of
// a fresh index for a caller-omitted index MUST go through allocateIndex
// (index_seq), never through this value (spec.md §9).
func (s *Store) GetMaxIndex(ctx context.Context) (*int64, error) {
	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.release(conn)

	var max sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT MAX("index") FROM entities`).Scan(&max); err != nil {
		return nil, err
	}
	if !max.Valid {
		return nil, nil
	}
	v := max.Int64
	return &v, nil
}

// OwnershipPage is one page of GetByOwnershipCursor.
type OwnershipPage struct {
	Entities []entity.Entity
	HasMore  bool
	Total    *int64
}

// GetByOwnershipCursor returns the latest-iter row of each entity owned by
// ownership, ordered by index ascending, cursor-paginated per spec.md §4.5.
// pageSize is clamped to [1, 1000]; includeTotals adds a second grouped
// count query.
func (s *Store) GetByOwnershipCursor(ctx context.Context, ownership string, pageSize int, afterIndex *int64, includeTotals bool) (OwnershipPage, error) {
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > 1000 {
		pageSize = 1000
	}

	conn, err := s.pool.acquire(ctx)
	if err != nil {
		return OwnershipPage{}, err
	}
	defer s.pool.release(conn)

	query := `
		SELECT e."index", e.iter, e.uuid, e.state, e.name, e.description, e.positionX, e.positionY, e.aesthetics, e.ownership, e.minted, e.timestamp
		FROM entities e
		INNER JOIN (
			SELECT "index", MAX(iter) AS max_iter FROM entities WHERE ownership = ? GROUP BY "index"
		) latest ON latest."index" = e."index" AND latest.max_iter = e.iter
		WHERE e.ownership = ?`
	args := []interface{}{ownership, ownership}
	if afterIndex != nil {
		query += ` AND e."index" > ?`
		args = append(args, *afterIndex)
	}
	query += ` ORDER BY e."index" ASC LIMIT ?`
	args = append(args, pageSize+1)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return OwnershipPage{}, err
	}
	defer rows.Close()

	var out []entity.Entity
	for rows.Next() {
		e, err := scanEntityRows(rows)
		if err != nil {
			return OwnershipPage{}, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return OwnershipPage{}, err
	}

	hasMore := len(out) > pageSize
	if hasMore {
		out = out[:pageSize]
	}

	page := OwnershipPage{Entities: out, HasMore: hasMore}
	if includeTotals {
		var total int64
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(DISTINCT "index") FROM entities WHERE ownership = ?`, ownership).Scan(&total); err != nil {
			return OwnershipPage{}, err
		}
		page.Total = &total
	}
	return page, nil
}
