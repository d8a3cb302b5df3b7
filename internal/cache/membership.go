// Package cache keeps materialized segment membership in Redis so that
// delivery paths can test membership without touching the segment store.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

const saddChunk = 1000

// Summary is the last evaluation recorded for a segment.
type Summary struct {
	UserCount   int
	EvaluatedAt time.Time
}

// MembershipCache stores each segment's members as a Redis set and its last
// count in a hash. It implements segmentation.ResultSink and
// segmentation.Invalidator.
type MembershipCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// NewMembershipCache creates a cache. A zero ttl keeps keys until they are
// replaced by the next evaluation.
func NewMembershipCache(client *redis.Client, prefix string, ttl time.Duration, log *logger.Logger) *MembershipCache {
	if prefix == "" {
		prefix = "audience"
	}
	if log == nil {
		log = logger.Default()
	}
	return &MembershipCache{client: client, prefix: prefix, ttl: ttl, log: log.With("component", "membership_cache")}
}

func (c *MembershipCache) membersKey(segmentID string) string {
	return fmt.Sprintf("%s:segment:%s:members", c.prefix, segmentID)
}

func (c *MembershipCache) summaryKey(segmentID string) string {
	return fmt.Sprintf("%s:segment:%s:summary", c.prefix, segmentID)
}

// EvaluationCompleted records the count of every evaluation and, when the
// members were materialized, atomically swaps in the new member set.
func (c *MembershipCache) EvaluationCompleted(ctx context.Context, res domain.EvaluationResult) error {
	summaryKey := c.summaryKey(res.SegmentID)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, summaryKey,
		"user_count", res.UserCount,
		"evaluated_at", res.EvaluatedAt.UTC().Format(time.RFC3339Nano),
	)
	if c.ttl > 0 {
		pipe.Expire(ctx, summaryKey, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record summary for segment %s: %w", res.SegmentID, err)
	}

	if res.MatchedUserIDs == nil {
		return nil
	}
	if err := c.replaceMembers(ctx, res.SegmentID, res.MatchedUserIDs); err != nil {
		return err
	}
	c.log.Debug("segment members cached", "segment_id", res.SegmentID, "members", len(res.MatchedUserIDs))
	return nil
}

func (c *MembershipCache) replaceMembers(ctx context.Context, segmentID string, ids []string) error {
	key := c.membersKey(segmentID)
	if len(ids) == 0 {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("failed to clear members for segment %s: %w", segmentID, err)
		}
		return nil
	}

	b := make([]byte, 8)
	rand.Read(b)
	tmp := key + ":tmp:" + hex.EncodeToString(b)

	for start := 0; start < len(ids); start += saddChunk {
		end := min(start+saddChunk, len(ids))
		members := make([]any, 0, end-start)
		for _, id := range ids[start:end] {
			members = append(members, id)
		}
		if err := c.client.SAdd(ctx, tmp, members...).Err(); err != nil {
			c.client.Del(context.WithoutCancel(ctx), tmp)
			return fmt.Errorf("failed to stage members for segment %s: %w", segmentID, err)
		}
	}

	pipe := c.client.TxPipeline()
	pipe.Rename(ctx, tmp, key)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.client.Del(context.WithoutCancel(ctx), tmp)
		return fmt.Errorf("failed to publish members for segment %s: %w", segmentID, err)
	}
	return nil
}

// IsMember reports whether userID was in the segment at its last
// materialized evaluation.
func (c *MembershipCache) IsMember(ctx context.Context, segmentID, userID string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, c.membersKey(segmentID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

// Members returns the cached members sorted by id.
func (c *MembershipCache) Members(ctx context.Context, segmentID string) ([]string, error) {
	ids, err := c.client.SMembers(ctx, c.membersKey(segmentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Summary returns the last recorded evaluation, or false when none is cached.
func (c *MembershipCache) Summary(ctx context.Context, segmentID string) (Summary, bool, error) {
	fields, err := c.client.HGetAll(ctx, c.summaryKey(segmentID)).Result()
	if err != nil {
		return Summary{}, false, fmt.Errorf("failed to read summary: %w", err)
	}
	if len(fields) == 0 {
		return Summary{}, false, nil
	}
	count, err := strconv.Atoi(fields["user_count"])
	if err != nil {
		return Summary{}, false, fmt.Errorf("corrupt summary for segment %s: %w", segmentID, err)
	}
	at, err := time.Parse(time.RFC3339Nano, fields["evaluated_at"])
	if err != nil {
		return Summary{}, false, fmt.Errorf("corrupt summary for segment %s: %w", segmentID, err)
	}
	return Summary{UserCount: count, EvaluatedAt: at}, true, nil
}

// Invalidate drops everything cached for a segment. It is called when the
// segment's definition changes or the segment is deleted.
func (c *MembershipCache) Invalidate(ctx context.Context, segmentID string) error {
	return c.client.Del(ctx, c.membersKey(segmentID), c.summaryKey(segmentID)).Err()
}
