package actions

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kobodl/kobodl/internal/kobo"
	"github.com/kobodl/kobodl/internal/model"
	"github.com/kobodl/kobodl/internal/settings"
)

func TestRemoveUser_PersistsRemoval(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "kobodl.json")
	sets, err := settings.New(path)
	if err != nil {
		t.Fatalf("settings.New: %v", err)
	}
	// A half-registered identity: device registered, login never finished.
	sets.UserList.Users = append(sets.UserList.Users, &model.User{
		Email:        "ghost@example.com",
		DeviceID:     "device-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
	})
	if err := sets.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := RemoveUser(sets, "ghost@example.com"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}

	reloaded, err := settings.New(path)
	if err != nil {
		t.Fatalf("reloading settings: %v", err)
	}
	if got := len(reloaded.UserList.Users); got != 0 {
		t.Fatalf("user still on disk after removal: %d users", got)
	}
}

func TestResolveEntitlement(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(core)

	// Subscription placeholders are skipped without noise.
	sub := &kobo.NewEntitlement{BookSubscriptionEntitlement: json.RawMessage(`{}`)}
	meta, bookType, ok := resolveEntitlement(sub, log)
	if ok || meta != nil || bookType != model.BookTypeSubscription {
		t.Fatalf("subscription: got (%v, %v, %v)", meta, bookType, ok)
	}
	if logs.Len() != 0 {
		t.Fatalf("subscription skip must not warn, got %d entries", logs.Len())
	}

	// Unrecognized entries warn.
	meta, bookType, ok = resolveEntitlement(&kobo.NewEntitlement{}, log)
	if ok || meta != nil || bookType != model.BookTypeUnknown {
		t.Fatalf("unknown: got (%v, %v, %v)", meta, bookType, ok)
	}
	if logs.Len() != 1 {
		t.Fatalf("unknown entry must warn once, got %d entries", logs.Len())
	}

	// Recognized entries come back with their metadata.
	book := &kobo.NewEntitlement{BookMetadata: &kobo.BookMetadata{Title: "T"}}
	meta, bookType, ok = resolveEntitlement(book, log)
	if !ok || meta == nil || bookType != model.BookTypeEbook {
		t.Fatalf("ebook: got (%v, %v, %v)", meta, bookType, ok)
	}
}
