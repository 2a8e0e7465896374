package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"skyfeeds/config"
	"skyfeeds/models"
	"skyfeeds/querycache"
	"skyfeeds/savedfeeds"
	"skyfeeds/server"
)

const (
	feedA = models.FeedID("at://did:plc:alice/app.bsky.feed.generator/a")
	feedB = models.FeedID("at://did:plc:bob/app.bsky.feed.generator/b")
	feedC = models.FeedID("at://did:plc:carol/app.bsky.feed.generator/c")
)

type fakeRemote struct {
	mu    sync.Mutex
	state models.SavedFeedsState
}

func (f *fakeRemote) FetchSavedFeeds(ctx context.Context) (models.SavedFeedsState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone(), nil
}

func (f *fakeRemote) PersistSavedFeeds(ctx context.Context, state models.SavedFeedsState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state.Clone()
	return nil
}

type fakeInfos struct{}

func (fakeInfos) FeedInfos(ctx context.Context, ids []models.FeedID) (map[models.FeedID]models.FeedInfo, error) {
	names := map[models.FeedID]string{feedA: "Cats", feedB: "Zebras", feedC: "Birds"}
	out := map[models.FeedID]models.FeedInfo{}
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out[id] = models.FeedInfo{ID: id, DisplayName: name}
		}
	}
	return out, nil
}

// blockingInfos holds metadata lookups until release is closed
type blockingInfos struct {
	release chan struct{}
}

func (b blockingInfos) FeedInfos(ctx context.Context, ids []models.FeedID) (map[models.FeedID]models.FeedInfo, error) {
	select {
	case <-b.release:
		return fakeInfos{}.FeedInfos(ctx, ids)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testServer struct {
	store *savedfeeds.Store
	bc    *server.Broadcaster
	prefs *config.AppPreferences
	app   *fiber.App
}

func newTestServer(t *testing.T, load bool) *testServer {
	t.Helper()
	ctx := context.Background()

	remote := &fakeRemote{state: models.SavedFeedsState{
		All:    []models.FeedID{models.FollowingFeed, feedA, feedB, feedC},
		Pinned: []models.FeedID{models.FollowingFeed, feedA},
	}}

	cache, err := querycache.New(ctx, func(ctx context.Context, key string) (models.SavedFeedsState, error) {
		return remote.FetchSavedFeeds(ctx)
	}, querycache.Config{})
	require.NoError(t, err)

	store := savedfeeds.New(ctx, remote, cache, savedfeeds.Config{
		Key:             "did:plc:me",
		PersistDebounce: time.Hour,
	})
	t.Cleanup(func() {
		store.Close()
		cache.Close()
	})

	if load {
		_, err := store.Await(ctx)
		require.NoError(t, err)
	}

	prefs := config.NewAppPreferences(false, language.English)
	bc := server.NewBroadcaster()
	app := server.Server(&server.ServerConfig{
		Store:        store,
		Renderer:     server.NewRenderer(fakeInfos{}, prefs),
		Broadcaster:  bc,
		AllowOrigins: "*",
	})

	return &testServer{store: store, bc: bc, prefs: prefs, app: app}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func sectionNames(t *testing.T, body map[string]interface{}, index int) []string {
	t.Helper()
	view := body["view"].(map[string]interface{})
	sections := view["sections"].([]interface{})
	section := sections[index].(map[string]interface{})

	var names []string
	for _, f := range section["feeds"].([]interface{}) {
		names = append(names, f.(map[string]interface{})["displayName"].(string))
	}
	return names
}

func TestGetFeedsNotLoaded(t *testing.T) {
	ts := newTestServer(t, false)

	resp, body := ts.do(t, http.MethodGet, "/api/feeds", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "NotLoaded", body["error"])
}

func TestGetFeeds(t *testing.T) {
	ts := newTestServer(t, true)

	resp, body := ts.do(t, http.MethodGet, "/api/feeds", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"Cats"}, sectionNames(t, body, 0))
	assert.Equal(t, []string{"Birds", "Zebras"}, sectionNames(t, body, 1))

	ts.prefs.Set(true, language.English)
	_, body = ts.do(t, http.MethodGet, "/api/feeds", nil)
	assert.Equal(t, []string{"Zebras", "Birds"}, sectionNames(t, body, 1))
}

func TestMutations(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		error  string
		pinned []models.FeedID
		all    []models.FeedID
	}{
		{
			name:   "pin",
			path:   "/api/feeds/pin",
			body:   map[string]interface{}{"feed": feedC},
			status: http.StatusOK,
			pinned: []models.FeedID{models.FollowingFeed, feedA, feedC},
		},
		{
			name:   "pin unknown feed",
			path:   "/api/feeds/pin",
			body:   map[string]interface{}{"feed": "at://did:plc:x/app.bsky.feed.generator/x"},
			status: http.StatusNotFound,
			error:  "UnknownFeed",
		},
		{
			name:   "unpin",
			path:   "/api/feeds/unpin",
			body:   map[string]interface{}{"feed": feedA},
			status: http.StatusOK,
			pinned: []models.FeedID{models.FollowingFeed},
		},
		{
			name:   "remove",
			path:   "/api/feeds/remove",
			body:   map[string]interface{}{"feed": feedA},
			status: http.StatusOK,
			pinned: []models.FeedID{models.FollowingFeed},
			all:    []models.FeedID{models.FollowingFeed, feedB, feedC},
		},
		{
			name:   "save invalid id",
			path:   "/api/feeds/save",
			body:   map[string]interface{}{"feed": "https://example.com"},
			status: http.StatusBadRequest,
			error:  "InvalidFeedID",
		},
		{
			name: "reorder pinned",
			path: "/api/feeds/reorder",
			body: map[string]interface{}{
				"section": "pinned",
				"order":   []models.FeedID{feedA, models.FollowingFeed},
			},
			status: http.StatusOK,
			pinned: []models.FeedID{feedA, models.FollowingFeed},
		},
		{
			name: "reorder with missing feed",
			path: "/api/feeds/reorder",
			body: map[string]interface{}{
				"section": "all",
				"order":   []models.FeedID{feedA, feedB},
			},
			status: http.StatusBadRequest,
			error:  "InvalidPermutation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, true)
			before, err := ts.store.Load()
			require.NoError(t, err)

			resp, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)

			state, err := ts.store.Load()
			require.NoError(t, err)

			if tt.error != "" {
				assert.Equal(t, tt.error, body["error"])
				assert.Equal(t, before, state)
				return
			}

			if tt.pinned != nil {
				assert.Equal(t, tt.pinned, state.Pinned)
			}
			if tt.all != nil {
				assert.Equal(t, tt.all, state.All)
			}
			assert.EqualValues(t, 1, body["pending"])
		})
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStoreListenerBroadcastsState(t *testing.T) {
	ts := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	renderer := server.NewRenderer(fakeInfos{}, ts.prefs)
	unsubscribe := ts.store.Subscribe(server.StoreListener(ctx, renderer, ts.bc, func() int {
		return len(ts.store.Pending())
	}))
	defer unsubscribe()

	events := make(chan server.Event, 10)
	ts.bc.AddClient("test", events)
	defer ts.bc.RemoveClient("test")

	require.NoError(t, ts.store.Pin(feedB))

	select {
	case evt := <-events:
		assert.Equal(t, "state", evt.Name)
		resp, ok := evt.Data.(server.FeedsResponse)
		require.True(t, ok)
		assert.Equal(t, []models.FeedID{models.FollowingFeed, feedA, feedB}, resp.State.Pinned)
	case <-time.After(time.Second):
		t.Fatal("no event broadcast")
	}
}

func TestSlowMetadataDoesNotBlockMutations(t *testing.T) {
	ts := newTestServer(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	infos := blockingInfos{release: make(chan struct{})}
	renderer := server.NewRenderer(infos, ts.prefs)
	unsubscribe := ts.store.Subscribe(server.StoreListener(ctx, renderer, ts.bc, func() int {
		return len(ts.store.Pending())
	}))
	defer unsubscribe()

	events := make(chan server.Event, 10)
	ts.bc.AddClient("test", events)
	defer ts.bc.RemoveClient("test")

	done := make(chan error, 1)
	go func() {
		done <- ts.store.Pin(feedB)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pin blocked on metadata lookup")
	}

	close(infos.release)

	select {
	case evt := <-events:
		assert.Equal(t, "state", evt.Name)
		resp, ok := evt.Data.(server.FeedsResponse)
		require.True(t, ok)
		assert.Equal(t, []models.FeedID{models.FollowingFeed, feedA, feedB}, resp.State.Pinned)
	case <-time.After(2 * time.Second):
		t.Fatal("no event broadcast")
	}
}

func TestBroadcasterRemoveClient(t *testing.T) {
	bc := server.NewBroadcaster()
	events := make(chan server.Event, 1)
	bc.AddClient("a", events)
	assert.Equal(t, 1, bc.Count())

	bc.Broadcast(server.Event{Name: "ping"})
	bc.Broadcast(server.Event{Name: "dropped"})
	assert.Equal(t, "ping", (<-events).Name)

	bc.RemoveClient("a")
	bc.RemoveClient("unknown")
	assert.Equal(t, 0, bc.Count())

	_, ok := <-events
	assert.False(t, ok)
}
