package immich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestClient_ErrorCategories tests HTTP status to sentinel error mapping.
func TestClient_ErrorCategories(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUnreachable},
		{http.StatusBadGateway, ErrUnreachable},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client := NewClient(srv.URL, "key", false)
		_, err := client.GetAlbum(context.Background(), "a1")
		srv.Close()

		if !errors.Is(err, tc.want) {
			t.Errorf("Status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
}

// TestClient_MalformedResponse tests that undecodable bodies are categorized.
func TestClient_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	if _, err := client.GetAlbum(context.Background(), "a1"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
}

// TestClient_Timeout tests that deadline errors are categorized.
func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	client.SetTimeout(20 * time.Millisecond)

	_, err := client.GetAlbum(context.Background(), "a1")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

// TestClient_APIKeyHeader tests that requests carry the API key.
func TestClient_APIKeyHeader(t *testing.T) {
	var gotKey, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotAccept = r.Header.Get("Accept")
		json.NewEncoder(w).Encode(Album{ID: "a1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret-key", false)
	if _, err := client.GetAlbum(context.Background(), "a1"); err != nil {
		t.Fatalf("GetAlbum failed: %v", err)
	}
	if gotKey != "secret-key" {
		t.Errorf("Expected X-API-Key header, got %q", gotKey)
	}
	if gotAccept != "application/json" {
		t.Errorf("Expected Accept header, got %q", gotAccept)
	}
}

// TestClient_GetAlbum tests album response decoding.
func TestClient_GetAlbum(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/albums/a1" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Album{
			ID:         "a1",
			AlbumName:  "Holiday",
			AssetCount: 2,
			Assets: []Asset{
				{ID: "p1", Type: "IMAGE", OriginalFileName: "a.jpg"},
				{ID: "p2", Type: "VIDEO", OriginalFileName: "b.mp4"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	album, err := client.GetAlbum(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAlbum failed: %v", err)
	}
	if album.AlbumName != "Holiday" || len(album.Assets) != 2 {
		t.Errorf("Unexpected album: %+v", album)
	}
}

// TestClient_ListPeople tests the people endpoint paging parameters and
// response envelope.
func TestClient_ListPeople(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/people" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("size"); got != "1000" {
			t.Errorf("Expected default size 1000, got %s", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"total":  2,
			"count":  2,
			"people": []Person{{ID: "per1", Name: "Bob"}, {ID: "per2", Name: "Carol"}},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	people, err := client.ListPeople(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListPeople failed: %v", err)
	}
	if len(people) != 2 || people[0].Name != "Bob" {
		t.Errorf("Unexpected people: %+v", people)
	}
}

// TestClient_DownloadAsset tests the original media download path.
func TestClient_DownloadAsset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/assets/p1/original" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte("original-bytes"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	data, err := client.DownloadAsset(context.Background(), "p1")
	if err != nil {
		t.Fatalf("DownloadAsset failed: %v", err)
	}
	if string(data) != "original-bytes" {
		t.Errorf("Unexpected bytes: %s", data)
	}
}

// TestClient_CreateSharedLink tests the request body for link creation.
func TestClient_CreateSharedLink(t *testing.T) {
	var got CreateSharedLinkRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/shared-links" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(SharedLink{ID: "l1", Key: "k1"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	link, err := client.CreateSharedLink(context.Background(), "a1", "pw")
	if err != nil {
		t.Fatalf("CreateSharedLink failed: %v", err)
	}
	if link.ID != "l1" {
		t.Errorf("Unexpected link: %+v", link)
	}

	if got.AlbumID != "a1" || got.Type != "ALBUM" || got.Password != "pw" {
		t.Errorf("Unexpected request body: %+v", got)
	}
	if !got.AllowDownload || !got.ShowMetadata || got.AllowUpload {
		t.Errorf("Unexpected link flags: %+v", got)
	}
}

// TestClient_UpdateSharedLinkPassword tests set and clear semantics.
func TestClient_UpdateSharedLinkPassword(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("Expected PATCH, got %s", r.Method)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	ctx := context.Background()

	if err := client.UpdateSharedLinkPassword(ctx, "l1", "pw"); err != nil {
		t.Fatalf("Set password failed: %v", err)
	}
	if err := client.UpdateSharedLinkPassword(ctx, "l1", ""); err != nil {
		t.Fatalf("Clear password failed: %v", err)
	}

	if len(bodies) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(bodies))
	}
	if bodies[0]["password"] != "pw" {
		t.Errorf("Expected password set, got %v", bodies[0])
	}
	if bodies[1]["password"] != nil {
		t.Errorf("Expected null password for clearing, got %v", bodies[1])
	}
}

// TestClient_Ping tests the health check.
func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/server/ping" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"res":"pong"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", false)
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	srv.Close()
	if err := client.Ping(context.Background()); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Expected ErrUnreachable for a down server, got %v", err)
	}
}
