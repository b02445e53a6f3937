package journal

import (
	"context"
	"fmt"
	"strings"
)

// NewStore opens the PostgreSQL journal when databaseURL is set and falls
// back to a bounded in-memory ring otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(0), nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open turn journal: %w", err)
	}
	return store, nil
}
