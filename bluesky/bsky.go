package bluesky

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/labstack/gommon/log"
	"github.com/samber/lo"

	"skyfeeds/models"
	"skyfeeds/savedfeeds"
)

const DefaultPDSHost = "https://bsky.social"

// getFeedGenerators accepts at most this many uris per call
const maxFeedsPerRequest = 100

type Credentials struct {
	Identifier string
	Password   string
}

// Client is an authenticated XRPC client. The session is refreshed when the
// access token expires.
type Client struct {
	mu   sync.RWMutex
	xrpc *xrpc.Client
}

func ClientFromCredentials(ctx context.Context, host string, creds *Credentials) (*Client, error) {
	auth, err := atproto.ServerCreateSession(ctx, &xrpc.Client{Host: host}, &atproto.ServerCreateSession_Input{
		Identifier: creds.Identifier,
		Password:   creds.Password,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", classify(err))
	}

	xrpcClient := &xrpc.Client{
		Host: host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  auth.AccessJwt,
			RefreshJwt: auth.RefreshJwt,
			Handle:     auth.Handle,
			Did:        auth.Did,
		},
		Client: http.DefaultClient,
	}

	return &Client{xrpc: xrpcClient}, nil
}

// DID of the logged in account
func (c *Client) DID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.xrpc.Auth.Did
}

func (c *Client) Handle() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.xrpc.Auth.Handle
}

// call runs fn with the shared xrpc client, refreshing the session and
// retrying once when the access token has expired
func (c *Client) call(ctx context.Context, fn func(*xrpc.Client) error) error {
	c.mu.RLock()
	err := fn(c.xrpc)
	c.mu.RUnlock()

	if !isExpiredToken(err) {
		return classify(err)
	}

	if err := c.refreshSession(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return classify(fn(c.xrpc))
}

func (c *Client) refreshSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The refresh endpoint authenticates with the refresh token
	refreshClient := &xrpc.Client{
		Host:   c.xrpc.Host,
		Client: c.xrpc.Client,
		Auth: &xrpc.AuthInfo{
			AccessJwt: c.xrpc.Auth.RefreshJwt,
			Did:       c.xrpc.Auth.Did,
			Handle:    c.xrpc.Auth.Handle,
		},
	}

	refreshed, err := atproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		log.Errorf("failed to refresh session: %s", err)
		return fmt.Errorf("failed to refresh session: %w", classify(err))
	}

	c.xrpc.Auth = &xrpc.AuthInfo{
		AccessJwt:  refreshed.AccessJwt,
		RefreshJwt: refreshed.RefreshJwt,
		Handle:     refreshed.Handle,
		Did:        refreshed.Did,
	}
	return nil
}

// GetPreferences returns all preferences of the logged in account
func (c *Client) GetPreferences(ctx context.Context) ([]bsky.ActorDefs_Preferences_Elem, error) {
	var prefs []bsky.ActorDefs_Preferences_Elem
	err := c.call(ctx, func(x *xrpc.Client) error {
		out, err := bsky.ActorGetPreferences(ctx, x)
		if err != nil {
			return err
		}
		prefs = out.Preferences
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return prefs, nil
}

// PutPreferences replaces all preferences of the logged in account
func (c *Client) PutPreferences(ctx context.Context, prefs []bsky.ActorDefs_Preferences_Elem) error {
	err := c.call(ctx, func(x *xrpc.Client) error {
		return bsky.ActorPutPreferences(ctx, x, &bsky.ActorPutPreferences_Input{
			Preferences: prefs,
		})
	})
	if err != nil {
		// Display the entire http response error so we can see what went wrong
		log.Errorf("failed to put preferences: %s", err)
		return fmt.Errorf("failed to put preferences: %w", err)
	}
	return nil
}

// FeedInfos looks up display metadata of feed generators and lists. Ids that
// cannot be resolved are left out of the result.
func (c *Client) FeedInfos(ctx context.Context, ids []models.FeedID) (map[models.FeedID]models.FeedInfo, error) {
	infos := make(map[models.FeedID]models.FeedInfo, len(ids))

	var generators []string
	var lists []string
	for _, id := range ids {
		switch itemType(id) {
		case itemTypeFeed:
			generators = append(generators, string(id))
		case itemTypeList:
			lists = append(lists, string(id))
		case itemTypeTimeline:
			infos[id] = models.FeedInfo{ID: id, DisplayName: "Following"}
		}
	}

	for _, chunk := range lo.Chunk(generators, maxFeedsPerRequest) {
		err := c.call(ctx, func(x *xrpc.Client) error {
			out, err := bsky.FeedGetFeedGenerators(ctx, x, chunk)
			if err != nil {
				return err
			}
			for _, view := range out.Feeds {
				info := models.FeedInfo{
					ID:          models.FeedID(view.Uri),
					DisplayName: view.DisplayName,
					AvatarURL:   lo.FromPtr(view.Avatar),
				}
				if view.Creator != nil {
					info.CreatorDid = view.Creator.Did
				}
				infos[info.ID] = info
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get feed generators: %w", err)
		}
	}

	for _, uri := range lists {
		err := c.call(ctx, func(x *xrpc.Client) error {
			out, err := bsky.GraphGetList(ctx, x, "", 1, uri)
			if err != nil {
				return err
			}
			if out.List == nil {
				return nil
			}
			info := models.FeedInfo{
				ID:          models.FeedID(out.List.Uri),
				DisplayName: out.List.Name,
				AvatarURL:   lo.FromPtr(out.List.Avatar),
			}
			if out.List.Creator != nil {
				info.CreatorDid = out.List.Creator.Did
			}
			infos[info.ID] = info
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to get list %s: %w", uri, err)
		}
	}

	return infos, nil
}

const (
	itemTypeFeed     = "feed"
	itemTypeList     = "list"
	itemTypeTimeline = "timeline"
)

// itemType maps a feed id to the savedFeedsPrefV2 item type
func itemType(id models.FeedID) string {
	if id == models.FollowingFeed {
		return itemTypeTimeline
	}
	uri, err := syntax.ParseATURI(string(id))
	if err == nil && strings.EqualFold(uri.Collection().String(), savedfeeds.ListCollection) {
		return itemTypeList
	}
	return itemTypeFeed
}
