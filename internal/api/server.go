// Package api serves the admin REST API, the live frame stream and the
// Prometheus metrics endpoint.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/auth"
	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/internal/validation"
)

type contextKey string

const claimsKey contextKey = "claims"

// Server is the admin REST server. The NATS connection feeds the live
// frame stream; it may be nil, in which case the stream endpoint
// reports unavailable.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	rs        *storage.RedisStore
	nc        *nats.Conn
	auth      *auth.Manager
	validator *validation.Validator
	server    *http.Server
}

// NewServer wires the routes.
func NewServer(cfg *config.Config, store storage.Store, rs *storage.RedisStore, nc *nats.Conn) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		rs:        rs,
		nc:        nc,
		auth:      auth.NewManager(cfg.JWT),
		validator: validation.New(),
	}

	s.server = &http.Server{
		Addr:         cfg.API.Bind(),
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := s.cfg.API.CORSAllowOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/frames/stream", s.handleFrameStream)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.handleListUsers)
				r.Post("/", s.handleCreateUser)
				r.Get("/me", s.handleGetCurrentUser)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetUser)
					r.Put("/", s.handleUpdateUser)
					r.Delete("/", s.handleDeleteUser)
				})
			})

			r.Route("/tenants", func(r chi.Router) {
				r.Get("/", s.handleListTenants)
				r.Post("/", s.handleCreateTenant)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTenant)
					r.Put("/", s.handleUpdateTenant)
					r.Delete("/", s.handleDeleteTenant)
				})
			})

			r.Route("/applications", func(r chi.Router) {
				r.Get("/", s.handleListApplications)
				r.Post("/", s.handleCreateApplication)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetApplication)
					r.Put("/", s.handleUpdateApplication)
					r.Delete("/", s.handleDeleteApplication)
					r.Route("/integrations", func(r chi.Router) {
						r.Get("/", s.handleListIntegrations)
						r.Post("/", s.handleCreateIntegration)
						r.Put("/{integration_id}", s.handleUpdateIntegration)
						r.Delete("/{integration_id}", s.handleDeleteIntegration)
					})
				})
			})

			r.Route("/device-profiles", func(r chi.Router) {
				r.Get("/", s.handleListDeviceProfiles)
				r.Post("/", s.handleCreateDeviceProfile)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDeviceProfile)
					r.Put("/", s.handleUpdateDeviceProfile)
					r.Delete("/", s.handleDeleteDeviceProfile)
				})
			})

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Post("/", s.handleCreateDevice)
				r.Route("/{dev_eui}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Put("/", s.handleUpdateDevice)
					r.Delete("/", s.handleDeleteDevice)
					r.Post("/activate", s.handleActivateDevice)
					r.Get("/keys", s.handleGetDeviceKeys)
					r.Post("/keys", s.handleSetDeviceKeys)
					r.Route("/queue", func(r chi.Router) {
						r.Get("/", s.handleListDeviceQueue)
						r.Post("/", s.handleEnqueueDownlink)
						r.Delete("/", s.handleFlushDeviceQueue)
					})
				})
			})

			r.Route("/gateways", func(r chi.Router) {
				r.Get("/", s.handleListGateways)
				r.Post("/", s.handleCreateGateway)
				r.Route("/{gateway_id}", func(r chi.Router) {
					r.Get("/", s.handleGetGateway)
					r.Put("/", s.handleUpdateGateway)
					r.Delete("/", s.handleDeleteGateway)
				})
			})

			r.Route("/multicast-groups", func(r chi.Router) {
				r.Post("/", s.handleCreateMulticastGroup)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetMulticastGroup)
					r.Put("/", s.handleUpdateMulticastGroup)
					r.Delete("/", s.handleDeleteMulticastGroup)
				})
			})

			r.Get("/events", s.handleListEvents)
		})
	})

	return r
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("api: listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			// The websocket endpoint cannot set headers from a browser;
			// accept the token as a query parameter there.
			if token := r.URL.Query().Get("token"); token != "" {
				header = "Bearer " + token
			}
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}
