package watcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourname/immichwatch/pkg/immich"
)

// fakeImmich is a scriptable Immich API server for coordinator tests.
type fakeImmich struct {
	mu         sync.Mutex
	album      immich.Album
	links      []immich.SharedLink
	people     []immich.Person
	deleted    bool
	failStatus int
	albumGets  int
	linkPosts  int
}

func newFakeImmich() *fakeImmich {
	return &fakeImmich{
		album: immich.Album{
			ID:        "album-1",
			AlbumName: "Holiday",
			Owner:     &immich.User{ID: "u1", Name: "Alice"},
			Assets: []immich.Asset{
				{
					ID:               "p1",
					Type:             "IMAGE",
					OriginalFileName: "beach.jpg",
					OwnerID:          "u1",
					FileCreatedAt:    time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
				},
			},
			AssetCount: 1,
		},
	}
}

func (f *fakeImmich) addAsset(id string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.album.Assets = append(f.album.Assets, immich.Asset{
		ID:               id,
		Type:             "IMAGE",
		OriginalFileName: id + ".jpg",
		OwnerID:          "u1",
		FileCreatedAt:    createdAt,
	})
	f.album.AssetCount = len(f.album.Assets)
}

func (f *fakeImmich) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]immich.User{{ID: "u1", Name: "Alice"}})
	})

	mux.HandleFunc("/api/people", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"total":  len(f.people),
			"count":  len(f.people),
			"people": f.people,
		})
	})

	mux.HandleFunc("/api/shared-links", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			f.linkPosts++
			link := immich.SharedLink{ID: "l1", Key: "k1", Album: &immich.AlbumStub{ID: f.album.ID}}
			f.links = append(f.links, link)
			json.NewEncoder(w).Encode(link)
			return
		}
		json.NewEncoder(w).Encode(f.links)
	})

	mux.HandleFunc("/api/albums/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.albumGets++
		if f.failStatus != 0 {
			w.WriteHeader(f.failStatus)
			return
		}
		if f.deleted {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(f.album)
	})

	return mux
}

// memPersister is an in-memory Persister.
type memPersister struct {
	mu     sync.Mutex
	states map[string][]string
}

func newMemPersister() *memPersister {
	return &memPersister{states: make(map[string][]string)}
}

func (m *memPersister) SaveAlbumState(albumID string, assetIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[albumID] = assetIDs
	return nil
}

func (m *memPersister) AlbumAssetIDs(albumID string) (map[string]struct{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.states[albumID]
	if !ok {
		return nil, false, nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, true, nil
}

func (m *memPersister) RemoveAlbum(albumID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, albumID)
	return nil
}

func newTestCoordinator(t *testing.T, fake *fakeImmich, persist Persister) (*Coordinator, *Bus) {
	t.Helper()

	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	logger := zerolog.New(zerolog.NewConsoleWriter())
	client := immich.NewClient(srv.URL, "test-key", false)
	bus := NewBus(50, &logger)

	coord := NewCoordinator(Config{
		HubName:  "Immich",
		Interval: time.Hour, // ticks never fire in tests
		Albums:   []AlbumConfig{{ID: "album-1", Name: "Holiday"}},
	}, client, NewSnapshotStore(), bus, persist, nil, &logger)

	return coord, bus
}

// TestCoordinator_FirstPollPublishesNothing tests that the initial fetch
// populates the snapshot without emitting events.
func TestCoordinator_FirstPollPublishesNothing(t *testing.T) {
	coord, bus := newTestCoordinator(t, newFakeImmich(), nil)

	if err := coord.Refresh(context.Background(), "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	album := coord.Snapshot("album-1")
	if album == nil {
		t.Fatal("Expected snapshot after first poll")
	}
	if album.Name != "Holiday" || album.AssetCount != 1 {
		t.Errorf("Unexpected snapshot: name=%s assets=%d", album.Name, album.AssetCount)
	}
	if album.Owner != "Alice" {
		t.Errorf("Expected owner Alice, got %s", album.Owner)
	}
	if album.HasNewAssets {
		t.Error("Expected no new-assets flag on first poll")
	}
	if events := bus.Recent(0); len(events) != 0 {
		t.Errorf("Expected no events on first poll, got %d", len(events))
	}
}

// TestCoordinator_AssetsAddedEvents tests event fan-out when assets appear.
func TestCoordinator_AssetsAddedEvents(t *testing.T) {
	fake := newFakeImmich()
	coord, bus := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("First refresh failed: %v", err)
	}

	fake.addAsset("p2", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Second refresh failed: %v", err)
	}

	events := bus.Recent(0)
	if len(events) != 2 {
		t.Fatalf("Expected album_changed plus assets_added, got %d events", len(events))
	}
	if events[0].Name != EventAlbumChanged {
		t.Errorf("Expected first event %q, got %q", EventAlbumChanged, events[0].Name)
	}
	if events[1].Name != EventAssetsAdded {
		t.Errorf("Expected second event %q, got %q", EventAssetsAdded, events[1].Name)
	}

	data := events[1].Data
	if data.ChangeType != ChangeAssetsAdded {
		t.Errorf("Expected change type %q, got %q", ChangeAssetsAdded, data.ChangeType)
	}
	if data.AddedCount != 1 || len(data.AddedAssets) != 1 || data.AddedAssets[0].ID != "p2" {
		t.Errorf("Unexpected added assets payload: %+v", data.AddedAssets)
	}
	if data.HubName != "Immich" {
		t.Errorf("Expected hub name Immich, got %s", data.HubName)
	}

	album := coord.Snapshot("album-1")
	if !album.HasNewAssets {
		t.Error("Expected new-assets flag after addition")
	}
	if album.LastChangeTime.IsZero() {
		t.Error("Expected last change time to be set")
	}
}

// TestCoordinator_RenameEvent tests the dedicated rename event.
func TestCoordinator_RenameEvent(t *testing.T) {
	fake := newFakeImmich()
	coord, bus := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("First refresh failed: %v", err)
	}

	fake.mu.Lock()
	fake.album.AlbumName = "Summer"
	fake.mu.Unlock()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Second refresh failed: %v", err)
	}

	events := bus.Recent(0)
	if len(events) != 2 {
		t.Fatalf("Expected album_changed plus album_renamed, got %d events", len(events))
	}
	if events[1].Name != EventAlbumRenamed {
		t.Errorf("Expected %q, got %q", EventAlbumRenamed, events[1].Name)
	}

	data := events[1].Data
	if data.ChangeType != ChangeAlbumRenamed {
		t.Errorf("Expected change type %q, got %q", ChangeAlbumRenamed, data.ChangeType)
	}
	if data.OldName == nil || *data.OldName != "Holiday" || data.NewName == nil || *data.NewName != "Summer" {
		t.Errorf("Unexpected rename payload: old=%v new=%v", data.OldName, data.NewName)
	}

	if album := coord.Snapshot("album-1"); album.HasNewAssets {
		t.Error("Expected no new-assets flag for a pure rename")
	}
}

// TestCoordinator_FailedPollKeepsSnapshot tests that a failing fetch leaves
// the previous snapshot in place and records the error.
func TestCoordinator_FailedPollKeepsSnapshot(t *testing.T) {
	fake := newFakeImmich()
	coord, bus := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("First refresh failed: %v", err)
	}

	fake.mu.Lock()
	fake.failStatus = http.StatusInternalServerError
	fake.mu.Unlock()

	if err := coord.Refresh(ctx, "album-1"); err == nil {
		t.Fatal("Expected refresh to fail")
	}

	album := coord.Snapshot("album-1")
	if album == nil || album.AssetCount != 1 {
		t.Errorf("Expected snapshot preserved across failed poll, got %+v", album)
	}

	status, ok := coord.Status("album-1")
	if !ok || status.LastError == "" {
		t.Errorf("Expected last error recorded, got %+v", status)
	}

	if events := bus.Recent(0); len(events) != 0 {
		t.Errorf("Expected no events from a failed poll, got %d", len(events))
	}

	// Recovery clears the recorded error
	fake.mu.Lock()
	fake.failStatus = 0
	fake.mu.Unlock()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Recovery refresh failed: %v", err)
	}
	if status, _ := coord.Status("album-1"); status.LastError != "" {
		t.Errorf("Expected error cleared after recovery, got %s", status.LastError)
	}
}

// TestCoordinator_AlbumDeleted tests that a 404 fires album_deleted once and
// drops all derived state.
func TestCoordinator_AlbumDeleted(t *testing.T) {
	fake := newFakeImmich()
	persist := newMemPersister()
	coord, bus := newTestCoordinator(t, fake, persist)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("First refresh failed: %v", err)
	}
	if _, ok, _ := persist.AlbumAssetIDs("album-1"); !ok {
		t.Fatal("Expected baseline persisted after first poll")
	}

	fake.mu.Lock()
	fake.deleted = true
	fake.mu.Unlock()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh after deletion returned error: %v", err)
	}

	events := bus.Recent(0)
	if len(events) != 1 || events[0].Name != EventAlbumDeleted {
		t.Fatalf("Expected single album_deleted event, got %+v", events)
	}
	if events[0].Data.ChangeType != ChangeAlbumDeleted {
		t.Errorf("Expected change type %q, got %q", ChangeAlbumDeleted, events[0].Data.ChangeType)
	}

	if album := coord.Snapshot("album-1"); album != nil {
		t.Errorf("Expected snapshot removed, got %+v", album)
	}
	if _, ok, _ := persist.AlbumAssetIDs("album-1"); ok {
		t.Error("Expected persisted baseline removed")
	}

	// A second 404 with no snapshot must not emit another event
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Second deleted refresh failed: %v", err)
	}
	if events := bus.Recent(0); len(events) != 1 {
		t.Errorf("Expected no duplicate deletion event, got %d events", len(events))
	}
}

// TestCoordinator_BaselineDiffAfterRestart tests that the first cycle of a
// new process diffs against the persisted asset set.
func TestCoordinator_BaselineDiffAfterRestart(t *testing.T) {
	fake := newFakeImmich()
	fake.addAsset("p2", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))

	persist := newMemPersister()
	// State persisted by a previous run: p1 and the since-removed p0
	persist.SaveAlbumState("album-1", []string{"p1", "p0"})

	coord, bus := newTestCoordinator(t, fake, persist)

	// Start loads the baseline and runs the initial cycle
	coord.Start(context.Background())
	defer coord.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for coord.Snapshot("album-1") == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if coord.Snapshot("album-1") == nil {
		t.Fatal("Timed out waiting for initial cycle")
	}

	events := bus.Recent(0)
	if len(events) != 3 {
		t.Fatalf("Expected changed, added and removed events, got %d", len(events))
	}
	if events[0].Name != EventAlbumChanged {
		t.Errorf("Expected first event %q, got %q", EventAlbumChanged, events[0].Name)
	}

	data := events[0].Data
	if data.ChangeType != ChangeChanged {
		t.Errorf("Expected change type %q, got %q", ChangeChanged, data.ChangeType)
	}
	if data.AddedCount != 1 || data.AddedAssets[0].ID != "p2" {
		t.Errorf("Expected p2 added, got %+v", data.AddedAssets)
	}
	if data.RemovedCount != 1 || data.RemovedAssetIDs[0] != "p0" {
		t.Errorf("Expected p0 removed, got %v", data.RemovedAssetIDs)
	}
}

// TestCoordinator_RefreshCoalescing tests that overlapping forced refreshes
// while a poll is in flight result in exactly one additional fetch.
func TestCoordinator_RefreshCoalescing(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Initial refresh failed: %v", err)
	}

	r := coord.runners["album-1"]

	// Hold the cycle lock to simulate an in-flight poll
	r.cycleMu.Lock()

	fake.mu.Lock()
	before := fake.albumGets
	fake.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = coord.Refresh(ctx, "album-1")
		}(i)
	}

	// Give all three a chance to queue behind the in-flight cycle
	time.Sleep(100 * time.Millisecond)
	r.cycleMu.Unlock()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Refresh %d failed: %v", i, err)
		}
	}

	fake.mu.Lock()
	got := fake.albumGets - before
	fake.mu.Unlock()
	if got != 1 {
		t.Errorf("Expected exactly one additional album fetch, got %d", got)
	}
}

// TestCoordinator_RecentAssets tests count validation and ordering.
func TestCoordinator_RecentAssets(t *testing.T) {
	fake := newFakeImmich()
	fake.addAsset("p2", time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	fake.addAsset("p3", time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC))

	coord, _ := newTestCoordinator(t, fake, nil)
	if err := coord.Refresh(context.Background(), "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if _, err := coord.RecentAssets("album-1", 0); err == nil {
		t.Error("Expected error for count 0")
	}
	if _, err := coord.RecentAssets("album-1", MaxRecentAssets+1); err == nil {
		t.Error("Expected error for count above the cap")
	}
	if _, err := coord.RecentAssets("nope", 5); err == nil {
		t.Error("Expected error for unknown album")
	}

	assets, err := coord.RecentAssets("album-1", 2)
	if err != nil {
		t.Fatalf("RecentAssets failed: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("Expected 2 assets, got %d", len(assets))
	}
	if assets[0].ID != "p3" || assets[1].ID != "p2" {
		t.Errorf("Expected newest first [p3 p2], got [%s %s]", assets[0].ID, assets[1].ID)
	}
}

// TestCoordinator_ResolvesPeopleNames tests that person IDs without an
// embedded name are resolved through the people endpoint.
func TestCoordinator_ResolvesPeopleNames(t *testing.T) {
	fake := newFakeImmich()
	fake.people = []immich.Person{{ID: "per1", Name: "Bob"}}
	fake.album.Assets[0].People = []immich.Person{{ID: "per1"}}

	coord, _ := newTestCoordinator(t, fake, nil)
	if err := coord.Refresh(context.Background(), "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	album := coord.Snapshot("album-1")
	if people := album.PeopleList(); len(people) != 1 || people[0] != "Bob" {
		t.Errorf("Expected people [Bob], got %v", people)
	}
}

// TestCoordinator_BackToBackChangesAdvanceChangeTime tests that a change
// inside the window of a previous change reports its own change time.
func TestCoordinator_BackToBackChangesAdvanceChangeTime(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	fake.addAsset("p2", time.Now().UTC())
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	first := coord.Snapshot("album-1").LastChangeTime

	time.Sleep(20 * time.Millisecond)
	fake.addAsset("p3", time.Now().UTC())
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	album := coord.Snapshot("album-1")
	if !album.LastChangeTime.After(first) {
		t.Errorf("Expected change time after %v, got %v", first, album.LastChangeTime)
	}
	if !album.HasNewAssets {
		t.Error("Expected new-assets flag set after second addition")
	}
}

// TestCoordinator_QuietCycleKeepsNewAssetsWindow tests that a poll with no
// change inside the window preserves the flag and change time.
func TestCoordinator_QuietCycleKeepsNewAssetsWindow(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	fake.addAsset("p2", time.Now().UTC())
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	changed := coord.Snapshot("album-1").LastChangeTime

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	album := coord.Snapshot("album-1")
	if !album.HasNewAssets {
		t.Error("Expected new-assets flag preserved across a quiet poll")
	}
	if !album.LastChangeTime.Equal(changed) {
		t.Errorf("Expected change time %v preserved, got %v", changed, album.LastChangeTime)
	}
}

// TestCoordinator_ClearNewAssets tests the flag reset.
func TestCoordinator_ClearNewAssets(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.ClearNewAssets("nope"); err == nil {
		t.Error("Expected error for unknown album")
	}

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	fake.addAsset("p2", time.Now().UTC())
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if !coord.Snapshot("album-1").HasNewAssets {
		t.Fatal("Expected new-assets flag set")
	}
	if err := coord.ClearNewAssets("album-1"); err != nil {
		t.Fatalf("ClearNewAssets failed: %v", err)
	}
	if coord.Snapshot("album-1").HasNewAssets {
		t.Error("Expected new-assets flag cleared")
	}
}

// TestCoordinator_ClearNewAssetsConcurrentReads tests that clearing the flag
// replaces the snapshot instead of mutating the one readers may hold.
func TestCoordinator_ClearNewAssetsConcurrentReads(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	fake.addAsset("p2", time.Now().UTC())
	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	held := coord.Snapshot("album-1")
	if !held.HasNewAssets {
		t.Fatal("Expected new-assets flag set")
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := coord.Snapshot("album-1")
				_ = snap.HasNewAssets
				_ = snap.LastChangeTime
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if err := coord.ClearNewAssets("album-1"); err != nil {
			t.Fatalf("ClearNewAssets failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()

	if !held.HasNewAssets {
		t.Error("Expected held snapshot untouched by the clear")
	}
	if coord.Snapshot("album-1").HasNewAssets {
		t.Error("Expected current snapshot cleared")
	}
}

// TestCoordinator_ShareLinkLifecycle tests that link creation re-polls and
// surfaces the link on the snapshot.
func TestCoordinator_ShareLinkLifecycle(t *testing.T) {
	fake := newFakeImmich()
	coord, _ := newTestCoordinator(t, fake, nil)
	ctx := context.Background()

	if err := coord.Refresh(ctx, "album-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if err := coord.CreateShareLink(ctx, "nope", ""); err == nil {
		t.Error("Expected error for unknown album")
	}

	if err := coord.CreateShareLink(ctx, "album-1", ""); err != nil {
		t.Fatalf("CreateShareLink failed: %v", err)
	}

	fake.mu.Lock()
	posts := fake.linkPosts
	fake.mu.Unlock()
	if posts != 1 {
		t.Errorf("Expected one link creation call, got %d", posts)
	}

	album := coord.Snapshot("album-1")
	if len(album.ShareLinks) != 1 || album.ShareLinks[0].Key != "k1" {
		t.Fatalf("Expected share link on snapshot after re-poll, got %+v", album.ShareLinks)
	}
	if url := album.PublicURL("http://example"); url != "http://example/share/k1" {
		t.Errorf("Unexpected public URL: %s", url)
	}
}

// TestCoordinator_RefreshUnknownAlbum tests the unknown-album error.
func TestCoordinator_RefreshUnknownAlbum(t *testing.T) {
	coord, _ := newTestCoordinator(t, newFakeImmich(), nil)

	err := coord.Refresh(context.Background(), "nope")
	if err == nil {
		t.Fatal("Expected error")
	}
}
