// Package web is the embedded HTTP front end: user and library listings plus
// a server-side download trigger. It is a thin consumer of the actions
// package; all store protocol logic stays in internal/kobo.
package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kobodl/kobodl/internal/actions"
	"github.com/kobodl/kobodl/internal/settings"
)

// Server serves the front end. The mutex serializes access to the settings
// store and to in-flight sessions: the core is single-threaded per
// invocation, but HTTP callers are concurrent.
type Server struct {
	sets *settings.Settings
	log  *zap.Logger

	mu sync.Mutex
}

// NewServer constructs the front end over a settings store.
func NewServer(sets *settings.Settings, log *zap.Logger) *Server {
	return &Server{sets: sets, log: log}
}

// Router builds the chi router with logging and recovery middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware(s.log))
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.healthz)
	r.Get("/users", s.users)
	r.Get("/books", s.books)
	r.Post("/books/{productID}/download", s.download)

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userRow struct {
	Email         string `json:"email"`
	UserKey       string `json:"userKey"`
	DeviceID      string `json:"deviceId"`
	Authenticated bool   `json:"authenticated"`
}

func (s *Server) users(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]userRow, 0, len(s.sets.UserList.Users))
	for _, u := range s.sets.UserList.Users {
		rows = append(rows, userRow{
			Email:         u.Email,
			UserKey:       u.UserKey,
			DeviceID:      u.DeviceID,
			Authenticated: u.AreAuthenticationSettingsSet(),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

type bookRow struct {
	RevisionID string `json:"revisionId"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Type       string `json:"type"`
	Archived   bool   `json:"archived"`
	Read       bool   `json:"read"`
	Owner      string `json:"owner"`
}

func (s *Server) books(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listAll := r.URL.Query().Get("all") != ""
	books, err := actions.ListBooks(r.Context(), s.sets.UserList.Users, listAll, s.sets, s.log)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	rows := make([]bookRow, 0, len(books))
	for _, b := range books {
		rows = append(rows, bookRow{
			RevisionID: b.RevisionID,
			Title:      b.Title,
			Author:     b.Author,
			Type:       b.Type.String(),
			Archived:   b.Archived,
			Read:       b.Read,
			Owner:      b.Owner.Email,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	productID := chi.URLParam(r, "productID")
	identifier := r.URL.Query().Get("user")

	user := s.sets.UserList.GetUser(identifier)
	if user == nil && identifier == "" && len(s.sets.UserList.Users) == 1 {
		user = s.sets.UserList.Users[0]
	}
	if user == nil {
		writeError(w, http.StatusNotFound, errUserNotFound)
		return
	}

	outputDir := s.sets.UserList.OutputDir
	if outputDir == "" {
		outputDir = "kobo_downloads"
	}

	client := actions.NewClient(user, s.sets, s.log)
	path, err := actions.GetBookOrBooks(r.Context(), client, outputDir, productID, true, s.log)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
