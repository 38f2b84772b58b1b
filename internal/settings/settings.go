// Package settings is the durable credential store: a small JSON document
// holding the known user identities and front-end preferences. Persistence is
// a full overwrite on every mutation.
package settings

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kobodl/kobodl/internal/model"
)

// UserList holds every configured identity plus shared preferences.
type UserList struct {
	Users []*model.User `json:"users"`
	// OutputDir is where the web front end drops finished downloads.
	OutputDir string `json:"output_dir,omitempty"`
}

// GetUser finds a user by email, user key, or device id. An empty
// identifier matches nothing: freshly added users carry empty keys.
func (l *UserList) GetUser(identifier string) *model.User {
	if identifier == "" {
		return nil
	}
	for _, u := range l.Users {
		if u.Email == identifier || u.UserKey == identifier || u.DeviceID == identifier {
			return u
		}
	}
	return nil
}

// RemoveUser removes and returns the user matching identifier, or nil.
// Like GetUser, an empty identifier matches nothing.
func (l *UserList) RemoveUser(identifier string) *model.User {
	if identifier == "" {
		return nil
	}
	for i, u := range l.Users {
		if u.Email == identifier || u.UserKey == identifier || u.DeviceID == identifier {
			l.Users = append(l.Users[:i], l.Users[i+1:]...)
			return u
		}
	}
	return nil
}

// Settings binds a UserList to its file on disk.
type Settings struct {
	Path     string
	UserList UserList
}

// New loads settings from path, or from the default location when path is
// empty. A missing file yields empty settings, not an error.
func New(path string) (*Settings, error) {
	if path == "" {
		path = defaultPath()
	}
	s := &Settings{Path: path}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the in-memory user list with the file's contents.
func (s *Settings) Load() error {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.UserList = UserList{}
		return nil
	}
	if err != nil {
		return err
	}
	var list UserList
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	s.UserList = list
	return nil
}

// Save overwrites the settings file with the current user list.
func (s *Settings) Save() error {
	_ = os.MkdirAll(filepath.Dir(s.Path), 0o700)
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.UserList); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// defaultPath resolves the conventional per-user config location, falling
// back to the home directory when no config dir exists.
func defaultPath() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		if fi, err := os.Stat(v); err == nil && fi.IsDir() {
			return filepath.Join(v, "kobodl.json")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "kobodl.json"
	}
	cfg := filepath.Join(home, ".config")
	if fi, err := os.Stat(cfg); err == nil && fi.IsDir() {
		return filepath.Join(cfg, "kobodl.json")
	}
	return filepath.Join(home, "kobodl.json")
}
