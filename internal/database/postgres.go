package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"snippet-sync/internal/models"
	"snippet-sync/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("[DB] Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// findSnippetQuery reads only the columns the realtime core owns. Text and
// timestamp columns may be NULL on rows created by other writers.
const findSnippetQuery = `
		SELECT id, COALESCE(html, ''), COALESCE(css, ''), COALESCE(js, ''),
			COALESCE(updated_at, to_timestamp(0))
		FROM snippets WHERE id = $1`

func (db *PostgresDB) FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error) {
	s := &models.Snippet{}
	err := db.pool.QueryRow(ctx, findSnippetQuery, id).Scan(&s.ID, &s.HTML, &s.CSS, &s.JS, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnippetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snippet %s: %w", id, err)
	}

	return s, nil
}

func (db *PostgresDB) PartialUpdateSnippet(ctx context.Context, id string, state models.CodeState, updatedAt time.Time) error {
	query, args, ok := buildPartialUpdate(id, state, updatedAt)
	if !ok {
		return nil
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update snippet %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSnippetNotFound
	}
	return nil
}

// buildPartialUpdate renders an UPDATE touching only the supplied fields.
// ok is false when state carries nothing to write.
func buildPartialUpdate(id string, state models.CodeState, updatedAt time.Time) (string, []any, bool) {
	var sets []string
	args := []any{id}

	add := func(column string, value *string) {
		if value == nil {
			return
		}
		args = append(args, *value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("html", state.HTML)
	add("css", state.CSS)
	add("js", state.JS)

	if len(sets) == 0 {
		return "", nil, false
	}

	args = append(args, updatedAt)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))

	return "UPDATE snippets SET " + strings.Join(sets, ", ") + " WHERE id = $1", args, true
}
