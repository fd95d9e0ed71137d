package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/server/handlers"
	"github.com/kestrelix/antigravity-relay/internal/utils"
)

// Server is the relay HTTP server.
type Server struct {
	engine     *gin.Engine
	accounts   *account.Manager
	dispatcher *cloudcode.Dispatcher
	cfg        *config.Config
}

// New creates a Server with routes configured.
func New(cfg *config.Config, accounts *account.Manager, dispatcher *cloudcode.Dispatcher) *Server {
	if cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		accounts:   accounts,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())
	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accounts)
	modelsHandler := handlers.NewModelsHandler(s.accounts, s.cfg)
	accountsHandler := handlers.NewAccountsHandler(s.accounts, s.cfg)
	messagesHandler := handlers.NewMessagesHandler(s.accounts, s.dispatcher, s.cfg)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accounts)

	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/account-limits", accountsHandler.AccountLimits)
	s.engine.POST("/refresh-token", refreshHandler.RefreshToken)

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.GetGlobalSignatureCache().ClearThinkingSignatureCache()
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	admin := s.engine.Group("/accounts")
	{
		admin.GET("", accountsHandler.List)
		admin.POST("/:email/enabled", accountsHandler.SetEnabled)
		admin.DELETE("/:email", accountsHandler.Delete)
		admin.POST("/reset-limits", accountsHandler.ResetLimits)
	}

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", modelsHandler.ListModels)
		v1.POST("/messages", messagesHandler.Messages)
		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Engine exposes the gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// HTTPServer builds the http.Server for addr. The long write timeout
// accommodates slow model responses.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
}

// Run starts serving on addr and blocks.
func (s *Server) Run(addr string) error {
	utils.Info("[Server] Starting on %s", addr)
	return s.HTTPServer(addr).ListenAndServe()
}
