package server

import "net/http"

func (s *Server) setupRoutes() {
	s.router.HandlerFunc(http.MethodGet, "/ws", s.WebSocketHandler)
	s.router.HandlerFunc(http.MethodGet, "/health", s.HealthHandler)

	s.router.GET("/admin/stats", s.requireAdmin(s.handleStats))
	s.router.GET("/admin/sessions", s.requireAdmin(s.handleSessions))
	s.router.GET("/admin/rooms", s.requireAdmin(s.handleRooms))
	s.router.POST("/admin/sessions/:id/disconnect", s.requireAdmin(s.handleDisconnect))
	s.router.POST("/admin/broadcast", s.requireAdmin(s.handleBroadcast))
	s.router.POST("/admin/notify", s.requireAdmin(s.handleNotify))
	s.router.GET("/admin/notifications/:id", s.requireAdmin(s.handleTask))
	s.router.GET("/admin/users/:id/preferences", s.requireAdmin(s.handleGetPreferences))
	s.router.PUT("/admin/users/:id/preferences", s.requireAdmin(s.handlePutPreferences))

	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }
