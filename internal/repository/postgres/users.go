package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// DefaultUsersTable holds one attribute document per user.
const DefaultUsersTable = "audience_users"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// UserSource implements segmentation.UserSource with keyset pagination over a
// table or view exposing (id TEXT, attributes JSONB).
type UserSource struct {
	db    *sql.DB
	table string
}

// NewUserSource creates a user source reading from table. An empty table
// name uses DefaultUsersTable.
func NewUserSource(db *sql.DB, table string) (*UserSource, error) {
	if table == "" {
		table = DefaultUsersTable
	}
	if !identifierRe.MatchString(table) {
		return nil, fmt.Errorf("invalid users table name %q", table)
	}
	return &UserSource{db: db, table: table}, nil
}

// ScanUsers pages through users ordered by id.
func (s *UserSource) ScanUsers(ctx context.Context, pageSize int, fn func([]domain.User) error) error {
	if pageSize <= 0 {
		pageSize = segmentation.DefaultPageSize
	}
	query := fmt.Sprintf(`SELECT id, attributes FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, s.table)

	after := ""
	for {
		page, err := s.page(ctx, query, after, pageSize)
		if err != nil {
			return segmentation.SourceError("scan users", err)
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *UserSource) page(ctx context.Context, query, after string, limit int) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := make([]domain.User, 0, limit)
	for rows.Next() {
		var (
			u   domain.User
			raw []byte
		)
		if err := rows.Scan(&u.ID, &raw); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &u.Attributes); err != nil {
				return nil, fmt.Errorf("user %s attributes: %w", u.ID, err)
			}
		}
		page = append(page, u)
	}
	return page, rows.Err()
}
