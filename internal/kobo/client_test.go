package kobo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/model"
)

// newTestClient binds a client to a test server and counts persistence calls.
func newTestClient(user *model.User, base string) (*Client, *int) {
	saves := 0
	c := NewClient(user, func() error { saves++; return nil }, zap.NewNop())
	c.storeBase = base
	c.authBase = base
	c.pollInterval = 10 * time.Millisecond
	return c, &saves
}

func authedUser() *model.User {
	return &model.User{
		Email:        "reader@example.com",
		DeviceID:     "device-1",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		UserID:       "user-1",
		UserKey:      "key-1",
	}
}

func writeAuthJSON(w http.ResponseWriter, access, refresh string) {
	_ = json.NewEncoder(w).Encode(map[string]string{
		"TokenType":    "Bearer",
		"AccessToken":  access,
		"RefreshToken": refresh,
	})
}

func TestDoAuthed_RepairsExpiredTokenOnce(t *testing.T) {
	t.Parallel()
	refreshCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		writeAuthJSON(w, "new-access", "new-refresh")
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	user := authedUser()
	c, saves := newTestClient(user, srv.URL)

	ctx := context.Background()
	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/protected", nil)
	})
	if err != nil {
		t.Fatalf("doAuthed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", refreshCalls)
	}
	if user.AccessToken != "new-access" || user.RefreshToken != "new-refresh" {
		t.Fatalf("tokens not replaced: %+v", user)
	}
	if *saves != 1 {
		t.Fatalf("saves = %d, want 1", *saves)
	}
}

func TestDoAuthed_SecondUnauthorizedIsSurfaced(t *testing.T) {
	t.Parallel()
	refreshCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		writeAuthJSON(w, "new-access", "new-refresh")
	})
	mux.HandleFunc("/protected", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(authedUser(), srv.URL)

	ctx := context.Background()
	resp, err := c.doAuthed(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/protected", nil)
	})
	if err != nil {
		t.Fatalf("doAuthed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want the second 401 surfaced", resp.StatusCode)
	}
	if refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1 (no retry loop)", refreshCalls)
	}
}

func TestLoadInitializationSettings(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/initialization", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Resources": map[string]string{"library_sync": "https://example.com/sync"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, _ := newTestClient(authedUser(), srv.URL)
	if err := c.LoadInitializationSettings(context.Background()); err != nil {
		t.Fatalf("LoadInitializationSettings: %v", err)
	}
	u, err := c.endpoint("library_sync")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if u != "https://example.com/sync" {
		t.Fatalf("endpoint = %q", u)
	}
	if _, err := c.endpoint("missing"); err == nil {
		t.Fatalf("want error for unknown endpoint")
	}
}
