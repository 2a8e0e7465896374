package bluesky

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"skyfeeds/models"
	"skyfeeds/savedfeeds"
)

const (
	savedFeedsPrefType   = "app.bsky.actor.defs#savedFeedsPref"
	savedFeedsPrefV2Type = "app.bsky.actor.defs#savedFeedsPrefV2"

	fetchMaxRetries = 3
)

// PreferencesAPI is the subset of the Bluesky API the preferences service needs
type PreferencesAPI interface {
	GetPreferences(ctx context.Context) ([]bsky.ActorDefs_Preferences_Elem, error)
	PutPreferences(ctx context.Context, prefs []bsky.ActorDefs_Preferences_Elem) error
}

// PreferencesService reads and writes the saved feeds of one account through
// app.bsky.actor.getPreferences and putPreferences.
//
// savedFeedsPrefV2 holds one ordered item per feed with a pinned flag, which
// carries the order of all feeds. The legacy savedFeedsPref is written next to
// it and carries the pinned order, which may differ from the order of the
// pinned items in the v2 list.
type PreferencesService struct {
	api   PreferencesAPI
	newID func() string

	// Initial interval of the fetch retry backoff
	RetryInterval time.Duration
}

func NewPreferencesService(api PreferencesAPI) *PreferencesService {
	return &PreferencesService{
		api: api,
		newID: func() string {
			return syntax.NewTIDNow(0).String()
		},
		RetryInterval: 500 * time.Millisecond,
	}
}

var _ savedfeeds.Remote = (*PreferencesService)(nil)

// FetchSavedFeeds retries network failures with exponential backoff
func (p *PreferencesService) FetchSavedFeeds(ctx context.Context) (models.SavedFeedsState, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.RetryInterval
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2

	var state models.SavedFeedsState
	operation := func() error {
		prefs, err := p.api.GetPreferences(ctx)
		if err != nil {
			if errors.Is(err, savedfeeds.ErrNetwork) {
				log.WithFields(log.Fields{
					"error": err,
				}).Warn("Fetching preferences failed, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		state = SavedFeedsFromPreferences(prefs)
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, fetchMaxRetries), ctx)); err != nil {
		return models.SavedFeedsState{}, err
	}

	log.WithFields(log.Fields{
		"feeds":  len(state.All),
		"pinned": len(state.Pinned),
	}).Info("Fetched saved feeds")

	return state, nil
}

// PersistSavedFeeds writes the full state. It is never retried here; the
// store rolls back and the caller decides whether to try again.
func (p *PreferencesService) PersistSavedFeeds(ctx context.Context, state models.SavedFeedsState) error {
	prefs, err := p.api.GetPreferences(ctx)
	if err != nil {
		return err
	}

	updated := ApplySavedFeeds(prefs, state, p.newID)
	if err := p.api.PutPreferences(ctx, updated); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"feeds":  len(state.All),
		"pinned": len(state.Pinned),
	}).Info("Persisted saved feeds")
	return nil
}

func findSavedFeedsPrefs(prefs []bsky.ActorDefs_Preferences_Elem) (*bsky.ActorDefs_SavedFeedsPref, *bsky.ActorDefs_SavedFeedsPrefV2) {
	var v1 *bsky.ActorDefs_SavedFeedsPref
	var v2 *bsky.ActorDefs_SavedFeedsPrefV2
	for _, pref := range prefs {
		if pref.ActorDefs_SavedFeedsPref != nil {
			v1 = pref.ActorDefs_SavedFeedsPref
		}
		if pref.ActorDefs_SavedFeedsPrefV2 != nil {
			v2 = pref.ActorDefs_SavedFeedsPrefV2
		}
	}
	return v1, v2
}

// SavedFeedsFromPreferences derives the saved feeds state from the account preferences
func SavedFeedsFromPreferences(prefs []bsky.ActorDefs_Preferences_Elem) models.SavedFeedsState {
	v1, v2 := findSavedFeedsPrefs(prefs)

	state := models.SavedFeedsState{All: []models.FeedID{}, Pinned: []models.FeedID{}}

	if v2 == nil {
		if v1 == nil {
			return state
		}
		state.All = lo.Uniq(toFeedIDs(v1.Saved))
		state.Pinned = lo.Filter(lo.Uniq(toFeedIDs(v1.Pinned)), func(id models.FeedID, _ int) bool {
			return slices.Contains(state.All, id)
		})
		return state
	}

	var pinned []models.FeedID
	for _, item := range v2.Items {
		if item == nil {
			continue
		}
		id := models.FeedID(item.Value)
		if slices.Contains(state.All, id) {
			continue
		}
		state.All = append(state.All, id)
		if item.Pinned {
			pinned = append(pinned, id)
		}
	}

	state.Pinned = pinned
	if state.Pinned == nil {
		state.Pinned = []models.FeedID{}
	}

	// The legacy pref keeps the pinned order when it describes the same pinned set
	if v1 != nil {
		legacy := legacyPinnedOrder(v1, slices.Contains(pinned, models.FollowingFeed))
		if sameMembers(legacy, pinned) {
			state.Pinned = legacy
		}
	}

	return state
}

// ApplySavedFeeds returns prefs with both saved feeds preferences replaced by
// state. Other preferences are kept as they are.
func ApplySavedFeeds(prefs []bsky.ActorDefs_Preferences_Elem, state models.SavedFeedsState, newID func() string) []bsky.ActorDefs_Preferences_Elem {
	_, existingV2 := findSavedFeedsPrefs(prefs)

	existing := map[models.FeedID]*bsky.ActorDefs_SavedFeed{}
	if existingV2 != nil {
		for _, item := range existingV2.Items {
			if item != nil {
				existing[models.FeedID(item.Value)] = item
			}
		}
	}

	items := make([]*bsky.ActorDefs_SavedFeed, 0, len(state.All))
	for _, id := range state.All {
		item := &bsky.ActorDefs_SavedFeed{
			Type:   itemType(id),
			Value:  string(id),
			Pinned: state.IsPinned(id),
		}
		if prev, ok := existing[id]; ok && prev.Id != "" {
			item.Id = prev.Id
		} else {
			item.Id = newID()
		}
		items = append(items, item)
	}

	v2 := &bsky.ActorDefs_SavedFeedsPrefV2{
		LexiconTypeID: savedFeedsPrefV2Type,
		Items:         items,
	}

	v1 := &bsky.ActorDefs_SavedFeedsPref{
		LexiconTypeID: savedFeedsPrefType,
		Saved:         fromFeedIDs(lo.Without(state.All, models.FollowingFeed)),
		Pinned:        fromFeedIDs(lo.Without(state.Pinned, models.FollowingFeed)),
	}
	if idx := slices.Index(state.Pinned, models.FollowingFeed); idx >= 0 {
		timelineIndex := int64(idx)
		v1.TimelineIndex = &timelineIndex
	}

	out := make([]bsky.ActorDefs_Preferences_Elem, 0, len(prefs)+2)
	wroteV1, wroteV2 := false, false
	for _, pref := range prefs {
		switch {
		case pref.ActorDefs_SavedFeedsPrefV2 != nil:
			if !wroteV2 {
				out = append(out, bsky.ActorDefs_Preferences_Elem{ActorDefs_SavedFeedsPrefV2: v2})
				wroteV2 = true
			}
		case pref.ActorDefs_SavedFeedsPref != nil:
			if !wroteV1 {
				out = append(out, bsky.ActorDefs_Preferences_Elem{ActorDefs_SavedFeedsPref: v1})
				wroteV1 = true
			}
		default:
			out = append(out, pref)
		}
	}
	if !wroteV1 {
		out = append(out, bsky.ActorDefs_Preferences_Elem{ActorDefs_SavedFeedsPref: v1})
	}
	if !wroteV2 {
		out = append(out, bsky.ActorDefs_Preferences_Elem{ActorDefs_SavedFeedsPrefV2: v2})
	}

	return out
}

// legacyPinnedOrder rebuilds the pinned order of the legacy pref, placing the
// following feed at its timeline index
func legacyPinnedOrder(v1 *bsky.ActorDefs_SavedFeedsPref, followingPinned bool) []models.FeedID {
	pinned := lo.Uniq(toFeedIDs(v1.Pinned))
	if !followingPinned {
		return pinned
	}

	idx := len(pinned)
	if v1.TimelineIndex != nil && *v1.TimelineIndex >= 0 && int(*v1.TimelineIndex) < len(pinned) {
		idx = int(*v1.TimelineIndex)
	}
	return slices.Insert(pinned, idx, models.FollowingFeed)
}

func sameMembers(a, b []models.FeedID) bool {
	if len(a) != len(b) {
		return false
	}
	left, right := lo.Difference(a, b)
	return len(left) == 0 && len(right) == 0
}

func toFeedIDs(uris []string) []models.FeedID {
	return lo.Map(uris, func(uri string, _ int) models.FeedID {
		return models.FeedID(uri)
	})
}

func fromFeedIDs(ids []models.FeedID) []string {
	out := lo.Map(ids, func(id models.FeedID, _ int) string {
		return string(id)
	})
	if out == nil {
		return []string{}
	}
	return out
}
