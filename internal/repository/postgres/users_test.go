package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

func TestUserSource_KeysetPagination(t *testing.T) {
	db, mock := setupTestDB(t)
	src, err := NewUserSource(db, "")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, attributes FROM audience_users WHERE id > \$1 ORDER BY id LIMIT \$2`).
		WithArgs("", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).
			AddRow("u1", `{"country":"US","profile":{"tier":"gold"}}`).
			AddRow("u2", `{"country":"FR"}`))
	mock.ExpectQuery(`FROM audience_users WHERE id > \$1`).
		WithArgs("u2", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).
			AddRow("u3", nil))

	var seen []domain.User
	pages := 0
	err = src.ScanUsers(context.Background(), 2, func(page []domain.User) error {
		pages++
		seen = append(seen, page...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	require.Len(t, seen, 3)
	assert.Equal(t, "gold", seen[0].Attributes["profile"].(map[string]any)["tier"])
	assert.Nil(t, seen[2].Attributes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserSource_StopsOnCallbackError(t *testing.T) {
	db, mock := setupTestDB(t)
	src, err := NewUserSource(db, "crm.users")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM crm.users`).
		WithArgs("", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attributes"}).AddRow("u1", `{}`))

	stop := errors.New("stop")
	err = src.ScanUsers(context.Background(), 1, func([]domain.User) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestUserSource_QueryFailure(t *testing.T) {
	db, mock := setupTestDB(t)
	src, err := NewUserSource(db, "")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM audience_users`).WillReturnError(errors.New("too many connections"))
	err = src.ScanUsers(context.Background(), 10, func([]domain.User) error { return nil })
	assert.True(t, errors.Is(err, segmentation.ErrSourceUnavailable))
}

func TestNewUserSource_RejectsBadTableName(t *testing.T) {
	db, _ := setupTestDB(t)
	_, err := NewUserSource(db, "users; DROP TABLE x")
	assert.Error(t, err)
}

func TestCampaignRefs_Count(t *testing.T) {
	db, mock := setupTestDB(t)
	refs := NewCampaignRefs(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM mailing_campaigns WHERE segment_id::text = \$1 AND status <> ALL\(\$2\)`).
		WithArgs("seg-1", `{"sent","failed","cancelled"}`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := refs.CountCampaignsUsingSegment(context.Background(), "seg-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
