package behavior

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

func newTestProvider(t *testing.T) (*WarehouseProvider, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p, err := NewWarehouseProvider(db, "", logger.New(io.Discard, logger.DEBUG, true))
	require.NoError(t, err)
	return p, mock
}

func TestWarehouseProvider_ReturnsMatchedIDs(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectQuery(`SELECT DISTINCT user_id FROM agg WHERE \(event_name = \?\) ORDER BY user_id`).
		WithArgs(-7, "purchase").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u4"))

	ids, err := p.UsersMatchingBehavior(context.Background(), domain.BehavioralDefinition{
		WindowDays: 7,
		Rules:      []domain.SegmentRule{{Criteria: []domain.Criterion{crit("event", domain.OpEquals, "purchase")}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u4"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWarehouseProvider_QueryFailureIsSourceError(t *testing.T) {
	p, mock := newTestProvider(t)

	mock.ExpectQuery(`SELECT DISTINCT user_id`).WillReturnError(errors.New("warehouse suspended"))

	_, err := p.UsersMatchingBehavior(context.Background(), domain.BehavioralDefinition{})
	assert.True(t, errors.Is(err, segmentation.ErrSourceUnavailable))
}

func TestWarehouseProvider_InvalidCriterionSkipsQuery(t *testing.T) {
	p, mock := newTestProvider(t)

	_, err := p.UsersMatchingBehavior(context.Background(), domain.BehavioralDefinition{
		Rules: []domain.SegmentRule{{Criteria: []domain.Criterion{crit("device", domain.OpEquals, "ios")}}},
	})
	assert.True(t, errors.Is(err, segmentation.ErrInvalidCriterion))
	assert.NoError(t, mock.ExpectationsWereMet())
}
