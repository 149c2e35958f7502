package postgres

import (
	"context"
	"fmt"
)

// truncateForTest removes every conversation row; nodes and edges cascade.
func (s *Store) truncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE conversations CASCADE"); err != nil {
		return fmt.Errorf("postgres: failed to truncate conversations: %w", err)
	}
	return nil
}
