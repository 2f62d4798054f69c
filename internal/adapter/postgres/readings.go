package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/sony/gobreaker"
)

// InsertReading stores one sample. Inserts run behind a circuit breaker so a
// struggling database sheds notification writes instead of queueing them.
func (s *Store) InsertReading(ctx context.Context, reading domain.Reading) (domain.Reading, error) {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now()
	}

	result, err := s.breaker.Execute(func() (interface{}, error) {
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO readings (tag_id, value, quality, timestamp)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			reading.TagID, reading.Value, reading.Quality, reading.Timestamp,
		).Scan(&id)
		if err != nil {
			return nil, wrapErr(err, fmt.Sprintf("insert reading for tag %d", reading.TagID))
		}
		return id, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.Reading{}, fmt.Errorf("%w: reading writes suspended: %v", domain.ErrPersistence, err)
		}
		return domain.Reading{}, err
	}

	reading.ID = result.(int64)
	return reading, nil
}

// QueryReadings returns the tag's readings newest first.
func (s *Store) QueryReadings(ctx context.Context, query domain.ReadingQuery) ([]domain.Reading, error) {
	if err := query.Normalize(); err != nil {
		return nil, err
	}

	var from, to *time.Time
	if !query.From.IsZero() {
		from = &query.From
	}
	if !query.To.IsZero() {
		to = &query.To
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tag_id, value, quality, timestamp
		FROM readings
		WHERE tag_id = $1
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp <= $3)
		ORDER BY timestamp DESC, id DESC
		LIMIT $4 OFFSET $5`,
		query.TagID, from, to, query.Limit, query.Offset,
	)
	if err != nil {
		return nil, wrapErr(err, "query readings")
	}
	defer rows.Close()

	out := []domain.Reading{}
	for rows.Next() {
		var r domain.Reading
		if err := rows.Scan(&r.ID, &r.TagID, &r.Value, &r.Quality, &r.Timestamp); err != nil {
			return nil, wrapErr(err, "scan reading")
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "query readings")
}

// LatestReadings returns the newest reading of every tag that has one.
func (s *Store) LatestReadings(ctx context.Context) ([]domain.Reading, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (tag_id) id, tag_id, value, quality, timestamp
		FROM readings
		ORDER BY tag_id, timestamp DESC, id DESC`)
	if err != nil {
		return nil, wrapErr(err, "latest readings")
	}
	defer rows.Close()

	out := []domain.Reading{}
	for rows.Next() {
		var r domain.Reading
		if err := rows.Scan(&r.ID, &r.TagID, &r.Value, &r.Quality, &r.Timestamp); err != nil {
			return nil, wrapErr(err, "scan reading")
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err(), "latest readings")
}
