package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/limbo/moodlog/internal/store"
)

// Server exposes the store contract over local HTTP for tooling and
// debugging. It is the embedding surface a UI would otherwise call
// directly.
type Server struct {
	mx       *chi.Mux
	entries  *store.EntryStore
	settings *store.SettingsStore
}

type StoresList struct {
	Entries  *store.EntryStore
	Settings *store.SettingsStore
}

func New(stores *StoresList) *Server {
	s := &Server{
		mx:       chi.NewMux(),
		entries:  stores.Entries,
		settings: stores.Settings,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mx.Use(s.RequestIDMiddleware)
	s.mx.Use(s.SettingUpLoggerMiddleware)
	s.mx.Route("/api/v1", func(r chi.Router) {
		r.Get("/entries", s.GetAllEntries)
		r.Get("/entries/sorted", s.GetSortedEntries)
		r.Get("/entries/{date}", s.GetEntry)
		r.Put("/entries/{date}", s.UpsertEntry)
		r.Delete("/entries/{date}", s.DeleteEntry)
		r.Get("/indexes/months", s.GetByMonth)
		r.Get("/indexes/month-keys", s.GetMonthDateKeys)
		r.Get("/indexes/moods", s.GetMoodCounts)
		r.Get("/indexes/years", s.GetYearIndex)
		r.Get("/settings", s.GetSettings)
		r.Put("/settings", s.PutSettings)
		r.Put("/settings/calendar-mood-style", s.PutCalendarMoodStyle)
		r.Put("/settings/month-card-background", s.PutMonthCardBackground)
		r.Post("/admin/clear", s.ClearEntries)
		r.Post("/admin/warm", s.WarmStores)
	})
}

func (s *Server) Handler() http.Handler {
	return s.mx
}

func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}
