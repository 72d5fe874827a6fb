package publish

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/neurosynth/metapub/internal/archive"
)

// collectionTimeFormat renders the creation timestamp in collection names.
const collectionTimeFormat = "2006-01-02 15:04:05"

// CollectionName builds the name tried on the given attempt (1-based).
// Attempt 1 is the bare name; attempt k+1 ends in " (k)". The base is
// truncated so that even the suffix of the last allowed attempt keeps the
// name within maxLen runes.
func CollectionName(base string, created time.Time, attempt, maxAttempts, maxLen int) string {
	tail := " : " + created.UTC().Format(collectionTimeFormat)
	budget := maxLen - utf8.RuneCountInString(tail) - utf8.RuneCountInString(collisionSuffix(maxAttempts-1))
	name := truncateRunes(strings.TrimSpace(base), budget) + tail + collisionSuffix(attempt-1)
	return truncateRunes(name, maxLen)
}

func collisionSuffix(k int) string {
	if k <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%d)", k)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// EnsureCollection returns the image-archive collection of a result,
// creating it on first use. Name collisions are retried with a numeric
// suffix up to CollectionMaxAttempts; any other failure returns at once.
func (p *Publisher) EnsureCollection(ctx context.Context, resultID string) (string, error) {
	if p.images == nil {
		return "", errNoImageArchive
	}
	p.collectionMu.Lock()
	defer p.collectionMu.Unlock()

	result, err := p.store.GetResult(ctx, resultID)
	if err != nil {
		return "", fmt.Errorf("load result %s: %w", resultID, err)
	}
	if result.CollectionID != nil && *result.CollectionID != "" {
		return *result.CollectionID, nil
	}

	created := p.now()
	base := result.DisplayName()
	var last archive.Result
	for attempt := 1; attempt <= p.cfg.CollectionMaxAttempts; attempt++ {
		name := CollectionName(base, created, attempt, p.cfg.CollectionMaxAttempts, p.cfg.CollectionNameMaxLen)
		last = p.images.CreateCollection(ctx, archive.CollectionRequest{
			Name:        name,
			Description: result.Description,
			SourceURL:   result.SourceURL,
		})
		switch last.Outcome {
		case archive.OutcomeOK:
			if err := p.store.UpdateResult(ctx, resultID, map[string]any{
				"collection_id":   last.ID,
				"collection_name": name,
			}); err != nil {
				return "", fmt.Errorf("save collection %s for result %s: %w", last.ID, resultID, err)
			}
			p.log.Info("collection created", "result", resultID, "collection", last.ID, "name", name, "attempt", attempt)
			return last.ID, nil
		case archive.OutcomeCollision:
			p.log.Debug("collection name taken", "result", resultID, "name", name, "attempt", attempt)
			continue
		default:
			return "", fmt.Errorf("create collection for result %s: %w", resultID, last.Err())
		}
	}
	return "", fmt.Errorf("create collection for result %s after %d attempts: %w",
		resultID, p.cfg.CollectionMaxAttempts, last.Err())
}
