package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/jackc/pgx/v5"
)

const tagColumns = `id, node_id, browse_name, display_name, description, data_type, is_subscribed, person_id, created_at, updated_at`

func scanTag(row pgx.Row) (domain.Tag, error) {
	var t domain.Tag
	err := row.Scan(&t.ID, &t.NodeID, &t.BrowseName, &t.DisplayName, &t.Description,
		&t.DataType, &t.IsSubscribed, &t.PersonID, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func (s *Store) listTags(ctx context.Context, op, where string, args ...any) ([]domain.Tag, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tagColumns+` FROM tags `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, wrapErr(err, op)
	}
	defer rows.Close()

	out := []domain.Tag{}
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, wrapErr(err, "scan tag")
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err(), op)
}

func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	return s.listTags(ctx, "list tags", "")
}

func (s *Store) ListTagsByPerson(ctx context.Context, personID int64) ([]domain.Tag, error) {
	return s.listTags(ctx, "list tags by person", "WHERE person_id = $1", personID)
}

func (s *Store) ListSubscribedTags(ctx context.Context) ([]domain.Tag, error) {
	return s.listTags(ctx, "list subscribed tags", "WHERE is_subscribed")
}

func (s *Store) GetTag(ctx context.Context, id int64) (domain.Tag, error) {
	t, err := scanTag(s.pool.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE id = $1`, id))
	if err != nil {
		return domain.Tag{}, wrapErr(err, fmt.Sprintf("tag %d", id))
	}
	return t, nil
}

func (s *Store) GetTagByNodeID(ctx context.Context, nodeID string) (domain.Tag, error) {
	t, err := scanTag(s.pool.QueryRow(ctx, `SELECT `+tagColumns+` FROM tags WHERE node_id = $1`, nodeID))
	if err != nil {
		return domain.Tag{}, wrapErr(err, fmt.Sprintf("tag for node %s", nodeID))
	}
	return t, nil
}

const insertTag = `
	INSERT INTO tags (node_id, browse_name, display_name, description, data_type, is_subscribed, person_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	RETURNING ` + tagColumns

func tagArgs(t domain.Tag) []any {
	return []any{strings.TrimSpace(t.NodeID), t.BrowseName, t.DisplayName, t.Description, t.DataType, t.IsSubscribed, t.PersonID}
}

func (s *Store) CreateTag(ctx context.Context, tag domain.Tag) (domain.Tag, error) {
	if err := tag.Validate(); err != nil {
		return domain.Tag{}, err
	}
	t, err := scanTag(s.pool.QueryRow(ctx, insertTag, tagArgs(tag)...))
	if err != nil {
		return domain.Tag{}, wrapErr(err, "create tag")
	}
	return t, nil
}

// CreateTags inserts every tag in one transaction.
func (s *Store) CreateTags(ctx context.Context, tags []domain.Tag) ([]domain.Tag, error) {
	for i := range tags {
		if err := tags[i].Validate(); err != nil {
			return nil, err
		}
	}

	created := make([]domain.Tag, 0, len(tags))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, tag := range tags {
			batch.Queue(insertTag, tagArgs(tag)...)
		}

		results := tx.SendBatch(ctx, batch)
		defer results.Close()

		for range tags {
			t, err := scanTag(results.QueryRow())
			if err != nil {
				return wrapErr(err, "create tags")
			}
			created = append(created, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateTag(ctx context.Context, tag domain.Tag) (domain.Tag, error) {
	if err := tag.Validate(); err != nil {
		return domain.Tag{}, err
	}
	t, err := scanTag(s.pool.QueryRow(ctx, `
		UPDATE tags
		SET node_id = $2, browse_name = $3, display_name = $4, description = $5,
		    data_type = $6, is_subscribed = $7, person_id = $8, updated_at = now()
		WHERE id = $1
		RETURNING `+tagColumns,
		append([]any{tag.ID}, tagArgs(tag)...)...,
	))
	if err != nil {
		return domain.Tag{}, wrapErr(err, fmt.Sprintf("update tag %d", tag.ID))
	}
	return t, nil
}

func (s *Store) SetTagSubscribed(ctx context.Context, id int64, subscribed bool) (domain.Tag, error) {
	t, err := scanTag(s.pool.QueryRow(ctx, `
		UPDATE tags SET is_subscribed = $2, updated_at = now() WHERE id = $1
		RETURNING `+tagColumns, id, subscribed))
	if err != nil {
		return domain.Tag{}, wrapErr(err, fmt.Sprintf("tag %d", id))
	}
	return t, nil
}

func (s *Store) AssignPerson(ctx context.Context, tagID int64, personID *int64) (domain.Tag, error) {
	t, err := scanTag(s.pool.QueryRow(ctx, `
		UPDATE tags SET person_id = $2, updated_at = now() WHERE id = $1
		RETURNING `+tagColumns, tagID, personID))
	if err != nil {
		return domain.Tag{}, wrapErr(err, fmt.Sprintf("assign person to tag %d", tagID))
	}
	return t, nil
}

// DeleteTag removes the tag; readings go with it through ON DELETE CASCADE.
func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tags WHERE id = $1`, id)
	if err != nil {
		return wrapErr(err, "delete tag")
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: tag %d", domain.ErrNotFound, id)
	}
	return nil
}
