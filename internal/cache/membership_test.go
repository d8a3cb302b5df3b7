package cache

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/memory"
	"github.com/ignite/audience-engine/internal/segmentation"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestMembershipCache_ReplacesMembers(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewMembershipCache(client, "test", time.Hour, logger.New(io.Discard, logger.INFO, true))
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{
		SegmentID: "s1", UserCount: 3, EvaluatedAt: at, MatchedUserIDs: []string{"u1", "u2", "u3"},
	}))
	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{
		SegmentID: "s1", UserCount: 2, EvaluatedAt: at.Add(time.Minute), MatchedUserIDs: []string{"u3", "u4"},
	}))

	members, err := c.Members(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u3", "u4"}, members)

	ok, err := c.IsMember(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.IsMember(ctx, "s1", "u4")
	require.NoError(t, err)
	assert.True(t, ok)

	sum, found, err := c.Summary(ctx, "s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, sum.UserCount)
	assert.True(t, sum.EvaluatedAt.Equal(at.Add(time.Minute)))

	assert.Equal(t, time.Hour, mr.TTL("test:segment:s1:members"))
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, ":tmp:")
	}
}

func TestMembershipCache_CountOnlyKeepsMembers(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewMembershipCache(client, "", 0, nil)
	ctx := context.Background()

	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "s1", UserCount: 1, MatchedUserIDs: []string{"u1"}}))
	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "s1", UserCount: 5}))

	members, err := c.Members(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	sum, _, err := c.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.UserCount)
}

func TestMembershipCache_EmptyResultClearsSet(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewMembershipCache(client, "", 0, nil)
	ctx := context.Background()

	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "s1", UserCount: 1, MatchedUserIDs: []string{"u1"}}))
	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "s1", MatchedUserIDs: []string{}}))

	members, err := c.Members(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMembershipCache_LargeSetIsChunked(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewMembershipCache(client, "", 0, nil)
	ctx := context.Background()

	ids := make([]string, 2500)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%05d", i)
	}
	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "big", UserCount: len(ids), MatchedUserIDs: ids}))

	n, err := client.SCard(ctx, "audience:segment:big:members").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2500, n)
}

func TestMembershipCache_InvalidateAndMissing(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewMembershipCache(client, "", 0, nil)
	ctx := context.Background()

	require.NoError(t, c.EvaluationCompleted(ctx, domain.EvaluationResult{SegmentID: "s1", UserCount: 1, MatchedUserIDs: []string{"u1"}}))
	require.NoError(t, c.Invalidate(ctx, "s1"))

	_, found, err := c.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMembershipCache_InvalidatedBySegmentChanges(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewMembershipCache(client, "test", time.Hour, logger.New(io.Discard, logger.INFO, true))
	ctx := context.Background()

	repo := memory.NewSegmentRepo()
	require.NoError(t, repo.Create(ctx, &domain.Segment{
		ID: "s1", Name: "VIP", Type: domain.SegmentStatic, IsActive: true,
		Definition: domain.StaticDefinition{UserIDs: []string{"u1", "u2"}},
	}))
	coord := segmentation.NewCoordinator(repo, segmentation.NewResolver(nil, nil), segmentation.CoordinatorConfig{}, segmentation.WithSinks(c))
	defer coord.Stop()
	svc := segmentation.NewService(repo, nil, nil, segmentation.WithInvalidators(c))

	_, err := coord.EvaluateNow(ctx, "s1", true)
	require.NoError(t, err)
	ok, err := c.IsMember(ctx, "s1", "u1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Update(ctx, "s1", segmentation.UpdateInput{Definition: domain.StaticDefinition{UserIDs: []string{"u3"}}})
	require.NoError(t, err)
	ok, err = c.IsMember(ctx, "s1", "u1")
	require.NoError(t, err)
	assert.False(t, ok, "members of the old definition are dropped")
	_, found, err := c.Summary(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = coord.EvaluateNow(ctx, "s1", true)
	require.NoError(t, err)
	ok, err = c.IsMember(ctx, "s1", "u3")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.Delete(ctx, "s1"))
	assert.False(t, mr.Exists("test:segment:s1:members"))
	assert.False(t, mr.Exists("test:segment:s1:summary"))
}

func TestMembershipCache_RedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewMembershipCache(client, "", 0, nil)
	mr.Close()

	err := c.EvaluationCompleted(context.Background(), domain.EvaluationResult{SegmentID: "s1"})
	assert.Error(t, err)
}
