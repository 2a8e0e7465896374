package feeds

import (
	"github.com/samber/lo"

	"skyfeeds/models"
)

// ViewBuilder builds display views with a sort strategy for unpinned feeds
type ViewBuilder struct {
	strategy SortStrategy
}

func NewViewBuilder(strategy SortStrategy) *ViewBuilder {
	return &ViewBuilder{strategy: strategy}
}

// Build maps the state to sections. Feeds missing from infos are shown by their id.
func (b *ViewBuilder) Build(state models.SavedFeedsState, infos map[models.FeedID]models.FeedInfo) View {
	if state.Empty() {
		return View{NoFeeds: true, Sections: []Section{}}
	}

	lookup := func(id models.FeedID, _ int) models.FeedInfo {
		if info, ok := infos[id]; ok {
			return info
		}
		return models.FeedInfo{ID: id, DisplayName: string(id)}
	}
	notFollowing := func(id models.FeedID, _ int) bool {
		return id != models.FollowingFeed
	}

	favourites := lo.Map(lo.Filter(state.Pinned, notFollowing), lookup)

	unpinned := lo.Filter(state.All, func(id models.FeedID, i int) bool {
		return notFollowing(id, i) && !state.IsPinned(id)
	})
	all := b.strategy.Sort(lo.Map(unpinned, lookup))

	return View{
		Following: lo.Contains(state.All, models.FollowingFeed),
		Sections: []Section{
			{Title: FavouritesTitle, Feeds: favourites},
			{Title: AllFeedsTitle, Feeds: all},
		},
	}
}
