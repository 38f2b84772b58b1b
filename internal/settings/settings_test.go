package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kobodl/kobodl/internal/model"
)

func TestSettings_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kobodl.json")

	s, err := New(path)
	require.NoError(t, err)
	require.Empty(t, s.UserList.Users)

	s.UserList.Users = append(s.UserList.Users, &model.User{
		Email:        "reader@example.com",
		DeviceID:     "device-1",
		AccessToken:  "access",
		RefreshToken: "refresh",
		UserID:       "user-1",
		UserKey:      "key-1",
	})
	s.UserList.OutputDir = "/tmp/books"
	require.NoError(t, s.Save())

	loaded, err := New(path)
	require.NoError(t, err)
	require.Len(t, loaded.UserList.Users, 1)
	assert.Equal(t, s.UserList.Users[0], loaded.UserList.Users[0])
	assert.Equal(t, "/tmp/books", loaded.UserList.OutputDir)
}

func TestSettings_MissingFileIsEmpty(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, s.UserList.Users)
}

func TestSettings_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kobodl.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := New(path)
	assert.Error(t, err)
}

func TestUserList_GetUser(t *testing.T) {
	user := &model.User{Email: "reader@example.com", DeviceID: "device-1", UserKey: "key-1"}
	list := UserList{Users: []*model.User{user}}

	for _, identifier := range []string{"reader@example.com", "device-1", "key-1"} {
		assert.Same(t, user, list.GetUser(identifier), identifier)
	}
	assert.Nil(t, list.GetUser("unknown"))
}

func TestUserList_EmptyIdentifierMatchesNothing(t *testing.T) {
	// A user fresh out of `user add` has no key and no device id yet; an
	// empty identifier must not match it.
	pending := &model.User{Email: "pending@example.com"}
	list := UserList{Users: []*model.User{pending}}

	assert.Nil(t, list.GetUser(""))
	assert.Nil(t, list.RemoveUser(""))
	require.Len(t, list.Users, 1)
}

func TestUserList_RemoveUser(t *testing.T) {
	first := &model.User{Email: "a@example.com", DeviceID: "device-a"}
	second := &model.User{Email: "b@example.com", DeviceID: "device-b"}
	list := UserList{Users: []*model.User{first, second}}

	assert.Nil(t, list.RemoveUser("unknown"))
	require.Len(t, list.Users, 2)

	removed := list.RemoveUser("device-a")
	require.Same(t, first, removed)
	require.Len(t, list.Users, 1)
	assert.Same(t, second, list.Users[0])
}
