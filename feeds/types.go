// Package feeds derives what a feed list displays from the saved feeds state.
// Nothing here mutates or persists the stored order.
package feeds

import "skyfeeds/models"

const (
	FavouritesTitle = "Favourites"
	AllFeedsTitle   = "All feeds"
)

// SortStrategy orders the unpinned feeds of the "All feeds" section
type SortStrategy interface {
	Sort(feeds []models.FeedInfo) []models.FeedInfo
}

type Section struct {
	Title string            `json:"title"`
	Feeds []models.FeedInfo `json:"feeds"`
}

// View is the display form of a SavedFeedsState
type View struct {
	// NoFeeds is set when nothing is saved; Sections is then empty
	NoFeeds bool `json:"noFeeds"`

	// Following is shown as a fixed row above the sections when saved
	Following bool `json:"following"`

	Sections []Section `json:"sections"`
}
