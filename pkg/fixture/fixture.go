// Package fixture serves a hermetic stand-in for the JSONPlaceholder /posts
// API so interception can be exercised without the public internet.
package fixture

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/jingkaihe/stubnet/internal/httpx"
)

const (
	postCount    = 100
	postsPerUser = 10
	createdID    = postCount + 1
)

// Post mirrors the JSONPlaceholder post resource.
type Post struct {
	UserID int    `json:"userId"`
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Server is the fixture HTTP handler. Writes are answered but never stored,
// like the real service.
type Server struct {
	posts  []Post
	hits   atomic.Int64
	router chi.Router
	logger *slog.Logger
}

// New builds the fixture with its seeded posts.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		posts:  seedPosts(),
		logger: logger.With("component", "fixture"),
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.countHits)
	s.Routes(r)
	s.router = r
	return s
}

func seedPosts() []Post {
	posts := make([]Post, 0, postCount)
	for i := 1; i <= postCount; i++ {
		posts = append(posts, Post{
			UserID: (i-1)/postsPerUser + 1,
			ID:     i,
			Title:  fmt.Sprintf("post %d title", i),
			Body:   fmt.Sprintf("post %d body", i),
		})
	}
	return posts
}

// Routes mounts the /posts resource on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handleReplace)
		r.Patch("/{id}", s.handlePatch)
		r.Delete("/{id}", s.handleDelete)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hits returns the number of requests served since creation or ResetHits.
func (s *Server) Hits() int64 {
	return s.hits.Load()
}

func (s *Server) ResetHits() {
	s.hits.Store(0)
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.logger.Debug("fixture request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) lookup(r *http.Request) (Post, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 || id > len(s.posts) {
		return Post{}, false
	}
	return s.posts[id-1], true
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpx.JSON(w, http.StatusOK, s.posts)
		return
	}
	out := []Post{}
	for _, p := range s.posts {
		if strconv.Itoa(p.UserID) == userID {
			out = append(out, p)
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	post, ok := s.lookup(r)
	if !ok {
		httpx.JSON(w, http.StatusNotFound, struct{}{})
		return
	}
	httpx.JSON(w, http.StatusOK, post)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	fields, err := decodeObject(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	fields["id"] = createdID
	httpx.JSON(w, http.StatusCreated, fields)
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid id")
		return
	}
	fields, err := decodeObject(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	fields["id"] = id
	httpx.JSON(w, http.StatusOK, fields)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	post, ok := s.lookup(r)
	if !ok {
		httpx.JSON(w, http.StatusNotFound, struct{}{})
		return
	}
	fields, err := decodeObject(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	merged := map[string]any{
		"userId": post.UserID,
		"id":     post.ID,
		"title":  post.Title,
		"body":   post.Body,
	}
	for k, v := range fields {
		merged[k] = v
	}
	httpx.JSON(w, http.StatusOK, merged)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, struct{}{})
}

func decodeObject(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	fields := map[string]any{}
	if len(body) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return fields, nil
}
