package dedupe

import (
	"time"

	"github.com/fundamental/fundamental/internal/domain"
)

// QualityScore ranks two candidate duplicate rows; the higher-scored row is
// kept. Components: work count (max 40), ratings volume (max 30), field
// completeness (max 20), sync recency (max 10).
func QualityScore(a domain.AuthorMetadata, now time.Time) float64 {
	return workScore(a) + ratingsScore(a) + CompletenessScore(a) + recencyScore(a, now)
}

func workScore(a domain.AuthorMetadata) float64 {
	s := 0.4 * float64(a.WorkCount)
	if s > 40 {
		return 40
	}
	return s
}

func ratingsScore(a domain.AuthorMetadata) float64 {
	s := float64(a.RatingsCount) / 10000 * 30
	if s > 30 {
		return 30
	}
	return s
}

// CompletenessScore weights populated fields: biography 3; birth date, death
// date, location, photo 2 each; personal name, fuller name, title prefix,
// top work, ratings average 1 each. The weighted sum is doubled and capped
// at 20.
func CompletenessScore(a domain.AuthorMetadata) float64 {
	sum := 0.0
	if a.Biography != "" {
		sum += 3
	}
	for _, f := range []string{a.BirthDate, a.DeathDate, a.Location, a.PhotoURL} {
		if f != "" {
			sum += 2
		}
	}
	for _, f := range []string{a.PersonalName, a.FullerName, a.TitlePrefix, a.TopWork} {
		if f != "" {
			sum++
		}
	}
	if a.RatingsAverage != nil {
		sum++
	}
	s := sum * 2
	if s > 20 {
		return 20
	}
	return s
}

func recencyScore(a domain.AuthorMetadata, now time.Time) float64 {
	if a.LastSyncedAt == nil {
		return 2
	}
	s := 10 - domain.DaysSince(*a.LastSyncedAt, now)/365*10
	if s < 0 {
		return 0
	}
	return s
}
