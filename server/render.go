package server

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	log "github.com/sirupsen/logrus"

	"skyfeeds/config"
	"skyfeeds/feeds"
	"skyfeeds/models"
)

const (
	feedInfoCacheSize = 512
	feedInfoTTL       = 15 * time.Minute
	metadataTimeout   = 5 * time.Second
)

// FeedInfoSource resolves display metadata for feed ids
type FeedInfoSource interface {
	FeedInfos(ctx context.Context, ids []models.FeedID) (map[models.FeedID]models.FeedInfo, error)
}

// FeedsResponse is the body of GET /api/feeds and of state events
type FeedsResponse struct {
	State   models.SavedFeedsState `json:"state"`
	View    feeds.View             `json:"view"`
	Pending int                    `json:"pending"`
}

// Renderer turns states into display views, caching feed metadata between calls
type Renderer struct {
	source FeedInfoSource
	prefs  *config.AppPreferences
	infos  *expirable.LRU[models.FeedID, models.FeedInfo]
}

func NewRenderer(source FeedInfoSource, prefs *config.AppPreferences) *Renderer {
	return &Renderer{
		source: source,
		prefs:  prefs,
		infos:  expirable.NewLRU[models.FeedID, models.FeedInfo](feedInfoCacheSize, nil, feedInfoTTL),
	}
}

// Render builds the view of state. When metadata cannot be fetched the view
// falls back to showing feed ids.
func (r *Renderer) Render(ctx context.Context, state models.SavedFeedsState, pending int) FeedsResponse {
	known := make(map[models.FeedID]models.FeedInfo, len(state.All))
	var missing []models.FeedID
	for _, id := range state.All {
		if info, ok := r.infos.Get(id); ok {
			known[id] = info
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 && r.source != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
		fetched, err := r.source.FeedInfos(fetchCtx, missing)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{
				"count": len(missing),
				"error": err,
			}).Warn("Failed to fetch feed metadata")
		}
		for id, info := range fetched {
			r.infos.Add(id, info)
			known[id] = info
		}
	}

	strategy := feeds.StrategyFor(r.prefs.SortableFeeds(), r.prefs.Language())
	return FeedsResponse{
		State:   state,
		View:    feeds.NewViewBuilder(strategy).Build(state, known),
		Pending: pending,
	}
}
