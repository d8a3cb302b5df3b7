package segmentation

import (
	"context"
	"slices"

	"github.com/ignite/audience-engine/internal/domain"
)

// checkAcyclic walks every composite reference reachable from root and fails
// with a CyclicCompositeError if any path returns to an id already on the
// path. prefix is the chain of ids already being resolved above root. root may
// be an unsaved definition; its children are loaded from repo.
func checkAcyclic(ctx context.Context, repo Repository, root *domain.Segment, prefix []string) error {
	done := make(map[string]bool)

	var visit func(seg *domain.Segment, stack []string) error
	visit = func(seg *domain.Segment, stack []string) error {
		stack = append(stack, seg.ID)
		for _, childID := range seg.ReferencedSegments() {
			if slices.Contains(stack, childID) {
				return &CyclicCompositeError{Chain: append(slices.Clone(stack), childID)}
			}
			if done[childID] {
				continue
			}
			child, err := repo.Get(ctx, childID)
			if err != nil {
				return err
			}
			if err := visit(child, stack); err != nil {
				return err
			}
			done[childID] = true
		}
		return nil
	}
	return visit(root, slices.Clone(prefix))
}
