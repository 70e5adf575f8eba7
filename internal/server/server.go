package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"carspot-service/internal/config"
	handler "carspot-service/internal/http"
	"carspot-service/internal/service"
	"carspot-service/internal/session"
)

type Server struct {
	httpServer *http.Server
	registry   *service.Registry
	log        zerolog.Logger
}

func New(cfg *config.Config, registry *service.Registry, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestLogger(log))
	router.Use(cors.New(corsConfig(cfg.CORS)))
	router.MaxMultipartMemory = cfg.Upload.MaxBytes + 1<<20

	tokens := session.NewTokenProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	h := handler.NewHandler(registry, cfg, log)
	h.Register(router,
		handler.AuthMiddleware(registry, tokens),
		handler.OptionalAuthMiddleware(registry, tokens))

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	log.Info().Str("address", cfg.Addr()).Msg("server created")

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			// recognition and uploads can take a while
			WriteTimeout:   cfg.Recognition.Timeout + cfg.Backend.Timeout + 10*time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		registry: registry,
		log:      log,
	}
}

func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.DefaultConfig()
	cc.AllowHeaders = append(cc.AllowHeaders, "Authorization", "X-Request-ID")
	cc.ExposeHeaders = []string{"X-Request-ID"}
	if len(c.AllowedOrigins) == 0 || (len(c.AllowedOrigins) == 1 && c.AllowedOrigins[0] == "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowedOrigins
	}
	return cc
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Run() error {
	s.log.Info().Str("address", s.httpServer.Addr).Msg("server is running")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, waits for in-flight ones and closes
// every workspace.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	err := s.httpServer.Shutdown(ctx)
	s.registry.Close()
	return err
}
