package feeds

import (
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"skyfeeds/models"
)

// StoredOrder keeps the order the user arranged
type StoredOrder struct{}

func (s *StoredOrder) Sort(feeds []models.FeedInfo) []models.FeedInfo {
	return feeds
}

// Alphabetical sorts by display name using the collation rules of Language.
// Feeds with equal names keep their stored order.
type Alphabetical struct {
	Language language.Tag
}

func (s *Alphabetical) Sort(feeds []models.FeedInfo) []models.FeedInfo {
	// Collators are not safe for concurrent use
	c := collate.New(s.Language, collate.IgnoreCase)

	sorted := make([]models.FeedInfo, len(feeds))
	copy(sorted, feeds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return c.CompareString(sorted[i].DisplayName, sorted[j].DisplayName) < 0
	})
	return sorted
}

// StrategyFor picks the ordering of unpinned feeds for the sortable feeds preference
func StrategyFor(sortableFeeds bool, lang language.Tag) SortStrategy {
	if sortableFeeds {
		return &StoredOrder{}
	}
	return &Alphabetical{Language: lang}
}

var _ SortStrategy = (*StoredOrder)(nil)
var _ SortStrategy = (*Alphabetical)(nil)
