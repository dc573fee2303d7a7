package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Router struct {
	Auth           *AuthHandlers
	Rooms          *RoomHandlers
	WebSocket      *WebSocketHandlers
	Admin          *AdminHandlers
	Resolver       Resolver
	AllowedOrigins []string
}

func (rt Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rt.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// The upgrade needs the raw writer, so /ws stays outside RequestLogger.
	r.Get("/ws", rt.WebSocket.HandleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger)

		r.Post("/register", rt.Auth.Register)
		r.Post("/login", rt.Auth.Login)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(rt.Resolver))

			r.Route("/rooms", func(r chi.Router) {
				r.Get("/", rt.Rooms.ListRooms)
				r.Post("/", rt.Rooms.CreateRoom)
				r.Route("/{id}", func(r chi.Router) {
					r.Delete("/", rt.Rooms.DeleteRoom)
					r.Get("/members", rt.Rooms.GetRoomMembers)
					r.Get("/active", rt.Rooms.GetActiveUsers)
					r.Post("/invite", rt.Rooms.InviteUser)
					r.Post("/join", rt.Rooms.JoinRoom)
					r.Delete("/leave", rt.Rooms.LeaveRoom)
				})
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireStaff)

				r.Get("/suspensions", rt.Admin.ListSuspensions)
				r.Post("/suspensions", rt.Admin.Suspend)
				r.Delete("/suspensions/users/{id}", rt.Admin.LiftUser)
				r.Delete("/suspensions/addresses/{addr}", rt.Admin.LiftAddress)
				r.Post("/users/{id}/evict", rt.Admin.Evict)
				r.Get("/presence", rt.Admin.Presence)
				r.Post("/rooms/{id}/invalidate", rt.Admin.InvalidateRoom)
			})
		})
	})

	return r
}
