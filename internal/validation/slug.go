package validation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"bountyline/internal/domain"
)

const maxSlugAttempts = 50

// resolveSlug keeps the current slug unless the new title slugifies
// differently, then suffixes -2, -3, ... until the slug is free.
func (p Pipeline) resolveSlug(ctx context.Context, l domain.Listing, existing *domain.Listing) (string, error) {
	base := slug.Make(l.Title)
	if base == "" {
		base = "listing"
	}
	if existing != nil && existing.Slug != "" && slug.Make(existing.Title) == base {
		return existing.Slug, nil
	}
	if p.Slugs == nil {
		return base, nil
	}
	candidate := base
	for i := 2; i <= maxSlugAttempts+1; i++ {
		taken, err := p.Slugs.SlugExists(ctx, candidate, l.ID)
		if err != nil {
			return "", fmt.Errorf("slug lookup: %w", err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8]), nil
}
