package savedfeeds

import (
	"fmt"
	"slices"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/samber/lo"

	"skyfeeds/models"
)

// Collections a saved feed AT-URI may point at
const (
	FeedGeneratorCollection = "app.bsky.feed.generator"
	ListCollection          = "app.bsky.graph.list"
)

// The functions below are pure transitions. They never modify the slices of
// the state they are given and report whether anything changed, so no-op
// mutations can be dropped before they reach the persistence queue.

func pin(s models.SavedFeedsState, id models.FeedID) (models.SavedFeedsState, bool, error) {
	if !slices.Contains(s.All, id) {
		return s, false, fmt.Errorf("pin %s: %w", id, ErrUnknownFeed)
	}
	if slices.Contains(s.Pinned, id) {
		return s, false, nil
	}
	next := s.Clone()
	next.Pinned = append(next.Pinned, id)
	return next, true, nil
}

func unpin(s models.SavedFeedsState, id models.FeedID) (models.SavedFeedsState, bool, error) {
	if !slices.Contains(s.Pinned, id) {
		return s, false, nil
	}
	next := s.Clone()
	next.Pinned = lo.Without(next.Pinned, id)
	return next, true, nil
}

func remove(s models.SavedFeedsState, id models.FeedID) (models.SavedFeedsState, bool, error) {
	if !slices.Contains(s.All, id) {
		return s, false, nil
	}
	return models.SavedFeedsState{
		All:    lo.Without(s.All, id),
		Pinned: lo.Without(s.Pinned, id),
	}, true, nil
}

func save(s models.SavedFeedsState, id models.FeedID) (models.SavedFeedsState, bool, error) {
	if err := ValidateFeedID(id); err != nil {
		return s, false, err
	}
	if slices.Contains(s.All, id) {
		return s, false, nil
	}
	next := s.Clone()
	next.All = append(next.All, id)
	return next, true, nil
}

func reorder(s models.SavedFeedsState, section models.Section, order []models.FeedID) (models.SavedFeedsState, bool, error) {
	var current []models.FeedID
	switch section {
	case models.SectionPinned:
		current = s.Pinned
	case models.SectionAll:
		current = s.All
	default:
		return s, false, fmt.Errorf("reorder %q: %w", section, ErrInvalidSection)
	}

	if err := checkPermutation(current, order); err != nil {
		return s, false, fmt.Errorf("reorder %s: %w", section, err)
	}
	if slices.Equal(current, order) {
		return s, false, nil
	}

	next := s.Clone()
	ordered := make([]models.FeedID, len(order))
	copy(ordered, order)
	if section == models.SectionPinned {
		next.Pinned = ordered
	} else {
		next.All = ordered
	}
	return next, true, nil
}

// checkPermutation requires order to hold exactly the ids of current
func checkPermutation(current, order []models.FeedID) error {
	if len(current) != len(order) {
		return fmt.Errorf("expected %d feeds, got %d: %w", len(current), len(order), ErrInvalidPermutation)
	}
	if dups := lo.FindDuplicates(order); len(dups) > 0 {
		return fmt.Errorf("duplicate feeds %v: %w", dups, ErrInvalidPermutation)
	}
	if missing, _ := lo.Difference(current, order); len(missing) > 0 {
		return fmt.Errorf("missing feeds %v: %w", missing, ErrInvalidPermutation)
	}
	return nil
}

// ValidateFeedID accepts the following feed and AT-URIs of feed generators and lists
func ValidateFeedID(id models.FeedID) error {
	if id == models.FollowingFeed {
		return nil
	}
	uri, err := syntax.ParseATURI(string(id))
	if err != nil {
		return fmt.Errorf("%s: %w", id, ErrInvalidFeedID)
	}
	switch uri.Collection().String() {
	case FeedGeneratorCollection, ListCollection:
		return nil
	default:
		return fmt.Errorf("%s is not a feed generator or list: %w", id, ErrInvalidFeedID)
	}
}
