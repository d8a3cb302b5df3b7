package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ignite/audience-engine/internal/domain"
)

// UserSource implements segmentation.UserSource over an in-memory user set.
type UserSource struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

// NewUserSource creates a source holding users.
func NewUserSource(users ...domain.User) *UserSource {
	s := &UserSource{users: make(map[string]domain.User, len(users))}
	s.Put(users...)
	return s
}

// Put inserts or replaces users.
func (s *UserSource) Put(users ...domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
}

// Remove deletes users by id.
func (s *UserSource) Remove(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.users, id)
	}
}

// ScanUsers pages through a snapshot of the users ordered by id.
func (s *UserSource) ScanUsers(ctx context.Context, pageSize int, fn func([]domain.User) error) error {
	if pageSize <= 0 {
		pageSize = 1000
	}
	s.mu.RLock()
	snapshot := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		snapshot = append(snapshot, u)
	}
	s.mu.RUnlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	for start := 0; start < len(snapshot); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+pageSize, len(snapshot))
		if err := fn(snapshot[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// CampaignRefs implements segmentation.CampaignChecker from a static map.
type CampaignRefs struct {
	mu     sync.RWMutex
	counts map[string]int
}

// NewCampaignRefs creates an empty reference table.
func NewCampaignRefs() *CampaignRefs {
	return &CampaignRefs{counts: make(map[string]int)}
}

// Set records how many campaigns target a segment.
func (c *CampaignRefs) Set(segmentID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[segmentID] = n
}

func (c *CampaignRefs) CountCampaignsUsingSegment(_ context.Context, segmentID string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[segmentID], nil
}
