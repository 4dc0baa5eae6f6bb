package adminapi

import (
	"crypto/rsa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the BMKG Alert admin API.
//
// Route layout:
//
//	GET    /healthz                        – liveness probe (no authentication)
//	GET    /api/v1/alerts                  – paginated alert query
//	GET    /api/v1/alerts/{id}/deliveries  – delivery log for one alert
//	GET    /api/v1/locations               – list monitored locations
//	POST   /api/v1/locations               – create location
//	GET    /api/v1/locations/{id}          – fetch location
//	PUT    /api/v1/locations/{id}          – update location
//	DELETE /api/v1/locations/{id}          – delete location
//	GET    /api/v1/channels                – list notification channels
//	POST   /api/v1/channels                – create channel
//	GET    /api/v1/channels/{id}           – fetch channel
//	PUT    /api/v1/channels/{id}           – update channel
//	DELETE /api/v1/channels/{id}           – delete channel
//	POST   /api/v1/channels/{id}/test      – send a test notification
//	GET    /api/v1/activity                – activity log query
//	GET    /api/v1/config/{key}            – read one config value
//	PUT    /api/v1/config/{key}            – write one config value
//	GET    /api/v1/engine/status           – engine scheduling state
//	POST   /api/v1/engine/start            – start the poll loop
//	POST   /api/v1/engine/stop             – stop the poll loop
//	POST   /api/v1/engine/check-now        – run one cycle synchronously
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests and
// local/demo deployments). The returned chi.Router is open for further
// mounts (trial routes, the WebSocket feed) by the caller.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) chi.Router {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/alerts", srv.handleGetAlerts)
		r.Get("/alerts/{id}/deliveries", srv.handleGetAlertDeliveries)

		r.Get("/locations", srv.handleListLocations)
		r.Post("/locations", srv.handleCreateLocation)
		r.Get("/locations/{id}", srv.handleGetLocation)
		r.Put("/locations/{id}", srv.handleUpdateLocation)
		r.Delete("/locations/{id}", srv.handleDeleteLocation)

		r.Get("/channels", srv.handleListChannels)
		r.Post("/channels", srv.handleCreateChannel)
		r.Get("/channels/{id}", srv.handleGetChannel)
		r.Put("/channels/{id}", srv.handleUpdateChannel)
		r.Delete("/channels/{id}", srv.handleDeleteChannel)
		r.Post("/channels/{id}/test", srv.handleTestChannel)

		r.Get("/activity", srv.handleGetActivity)

		r.Get("/config/{key}", srv.handleGetConfig)
		r.Put("/config/{key}", srv.handleSetConfig)

		r.Route("/engine", func(r chi.Router) {
			r.Get("/status", srv.handleEngineStatus)
			r.Post("/start", srv.handleEngineStart)
			r.Post("/stop", srv.handleEngineStop)
			r.Post("/check-now", srv.handleEngineCheckNow)
		})
	})

	return r
}
