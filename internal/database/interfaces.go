package database

import (
	"context"
	"errors"
	"time"

	"snippet-sync/internal/models"
)

var ErrSnippetNotFound = errors.New("snippet not found")

// SnippetRepository is the slice of the durable store the realtime core needs.
type SnippetRepository interface {
	FindSnippetByID(ctx context.Context, id string) (*models.Snippet, error)
	// PartialUpdateSnippet writes only the non-nil fields of state and stamps updatedAt.
	PartialUpdateSnippet(ctx context.Context, id string, state models.CodeState, updatedAt time.Time) error
}

type Database interface {
	SnippetRepository
	Close() error
}
