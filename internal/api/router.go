// Package api serves the HTTP endpoints the chat client uses to register
// users, look up rooms and load history before opening a WebSocket.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/store"
)

const (
	// maxRooms caps the room list returned with a user's credentials.
	maxRooms = 10

	// maxSearchResults caps user search results.
	maxSearchResults = 20

	// minSearchLen is the shortest accepted search term.
	minSearchLen = 3

	maxBodyBytes = 8 << 10
	opTimeout    = 5 * time.Second
)

// NewRouter builds the chi router for the HTTP API. clientURL is the only
// origin allowed by CORS; "*" allows any.
func NewRouter(logger zerolog.Logger, st store.Store, clientURL string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestSize(maxBodyBytes))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{clientURL},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	h := NewHandler(st, logger)

	r.Get("/credentials/{username}", h.Credentials)
	r.Post("/chat", h.CreateUser)
	r.Get("/chat", h.SearchUsers)
	r.Get("/roomInfo", h.RoomInfo)
	r.Get("/room", h.Room)
	r.Get("/messages/{roomName}/{myUsername}", h.Messages)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.Error(w, http.StatusNotFound, "not found")
	})

	return r
}
