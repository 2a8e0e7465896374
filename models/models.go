package models

import (
	"slices"
	"time"
)

// FollowingFeed is the id of the built-in timeline feed
const FollowingFeed FeedID = "following"

// FeedID names a saved feed. Either a feed generator or list AT-URI, or FollowingFeed.
type FeedID string

// Section selects one of the two ordered sequences of a SavedFeedsState
type Section string

const (
	SectionPinned Section = "pinned"
	SectionAll    Section = "all"
)

// SavedFeedsState is the ordered snapshot of a user's saved feeds.
// Pinned is a subset of All. All has no duplicates.
type SavedFeedsState struct {
	All    []FeedID `json:"all"`
	Pinned []FeedID `json:"pinned"`
}

// Clone returns a deep copy so callers never alias the store's slices
func (s SavedFeedsState) Clone() SavedFeedsState {
	return SavedFeedsState{
		All:    cloneIDs(s.All),
		Pinned: cloneIDs(s.Pinned),
	}
}

// Empty reports whether the user has no saved feeds at all
func (s SavedFeedsState) Empty() bool {
	return len(s.All) == 0
}

// IsPinned reports whether id is in the pinned sequence
func (s SavedFeedsState) IsPinned(id FeedID) bool {
	return slices.Contains(s.Pinned, id)
}

// Equal compares both sequences including order
func (s SavedFeedsState) Equal(other SavedFeedsState) bool {
	return slices.Equal(s.All, other.All) && slices.Equal(s.Pinned, other.Pinned)
}

func cloneIDs(ids []FeedID) []FeedID {
	out := make([]FeedID, len(ids))
	copy(out, ids)
	return out
}

type MutationKind string

const (
	MutationPin     MutationKind = "pin"
	MutationUnpin   MutationKind = "unpin"
	MutationReorder MutationKind = "reorder"
	MutationRemove  MutationKind = "remove"
	MutationSave    MutationKind = "save"
)

type MutationStatus string

const (
	StatusPending    MutationStatus = "pending"
	StatusCommitted  MutationStatus = "committed"
	StatusRolledBack MutationStatus = "rolled-back"
)

// MutationPayload carries the arguments of a user action
type MutationPayload struct {
	Feed    FeedID   `json:"feed,omitempty"`
	Section Section  `json:"section,omitempty"`
	Order   []FeedID `json:"order,omitempty"`
}

// PendingMutation is one optimistic change awaiting remote confirmation
type PendingMutation struct {
	ID         string          `json:"id"`
	Kind       MutationKind    `json:"kind"`
	Payload    MutationPayload `json:"payload"`
	Previous   SavedFeedsState `json:"previous"`
	Generation uint64          `json:"generation"`
	Status     MutationStatus  `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// FeedInfo is the display metadata of a saved feed
type FeedInfo struct {
	ID          FeedID `json:"uri"`
	DisplayName string `json:"displayName"`
	CreatorDid  string `json:"creatorDid,omitempty"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// StateChangedEvent fired whenever the visible state changes
type StateChangedEvent struct {
	State SavedFeedsState
}

// PersistedEvent fired when the latest state was confirmed by the remote
type PersistedEvent struct {
	Generation uint64
}

// PersistFailedEvent fired after a failed persist was rolled back
type PersistFailedEvent struct {
	Err       error
	Mutations []PendingMutation
	State     SavedFeedsState
}

// LoadFailedEvent fired when a fetch of the remote snapshot failed
type LoadFailedEvent struct {
	Err error
}
