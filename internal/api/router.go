package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"coordd/internal/engine"
	"coordd/internal/ledger"
	"coordd/internal/policy"
	"coordd/internal/store"
	"coordd/internal/validator"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	db *store.DB,
	sessions *store.SessionStore,
	groups *store.GroupStore,
	events *store.EventStore,
	snaps *store.SnapshotStore,
	lg *ledger.Ledger,
	eng *engine.Engine,
	gate *validator.Gate,
	pol *policy.Policy,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(db)
	sessionH := NewSessionHandler(sessions, groups, snaps, lg, gate, pol)
	groupH := NewGroupHandler(sessions, groups, lg, eng)
	eventH := NewEventHandler(sessions, events, snaps)

	r.Get("/health", healthH.Health)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", sessionH.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", sessionH.Get)
			r.Get("/blocking", sessionH.Blocking)
			r.Post("/validate", sessionH.Validate)

			r.Route("/groups", func(r chi.Router) {
				r.Get("/", groupH.List)
				r.Route("/{gid}", func(r chi.Router) {
					r.Put("/", groupH.Upsert)
					r.Get("/", groupH.Get)
					r.Post("/transition", groupH.Transition)
					r.Post("/deadline-miss", groupH.DeadlineMiss)
					r.Post("/issues", groupH.RecordIssues)
					r.Get("/issues", groupH.Issues)
					r.Post("/responses", groupH.RecordResponses)
				})
			})

			r.Post("/events", eventH.Append)
			r.Get("/events", eventH.Query)
			r.Put("/state/{scope}/{type}", eventH.UpsertState)
			r.Get("/state/{scope}/{type}", eventH.GetState)
		})
	})

	return r
}
