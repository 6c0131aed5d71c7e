package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/semicrypto-api/internal/auth"
	"github.com/ksred/semicrypto-api/internal/chat"
	"github.com/ksred/semicrypto-api/internal/config"
	"github.com/ksred/semicrypto-api/internal/market"
	"github.com/ksred/semicrypto-api/internal/portfolio"
	"github.com/ksred/semicrypto-api/internal/realtime"
	"github.com/ksred/semicrypto-api/internal/trading"
	"github.com/ksred/semicrypto-api/pkg/middleware"
)

// App wires services, handlers and routes for the API
type App struct {
	Router      *gin.Engine
	Processor   *portfolio.Processor
	RateLimiter *middleware.RateLimiter
	Hub         *realtime.Hub

	Auth      *auth.Service
	Market    *market.Service
	Trading   *trading.Service
	Portfolio *portfolio.Service
	Chat      *chat.Service
}

// New builds the application on top of an open, migrated database
func New(db *gorm.DB, cfg *config.Config, limits middleware.Limits) *App {
	authService := auth.NewService(db, auth.Options{
		JWTSecret:          cfg.JWTSecret,
		JWTExpiry:          cfg.JWTExpiry,
		RefreshTokenSecret: cfg.RefreshTokenSecret,
		RefreshTokenExpiry: cfg.RefreshTokenExpiry,
		StartingCash:       cfg.StartingCash,
	})
	marketService := market.NewService(db)
	tradingService := trading.NewService(db, marketService, trading.Options{
		FeeRate:     cfg.FeeRate,
		MaxAttempts: cfg.OrderRetryAttempts,
	})
	portfolioService := portfolio.NewService(db, tradingService, marketService)
	processor := portfolio.NewProcessor(portfolioService, cfg.RevaluationInterval)
	chatService := chat.NewService(db, authService)

	hub := realtime.NewHub()
	marketService.SetBroadcaster(hub)
	tradingService.SetPublisher(hub)
	chatService.SetPublisher(hub)

	app := &App{
		Router:      gin.New(),
		Processor:   processor,
		RateLimiter: middleware.NewRateLimiter(limits),
		Hub:         hub,
		Auth:        authService,
		Market:      marketService,
		Trading:     tradingService,
		Portfolio:   portfolioService,
		Chat:        chatService,
	}

	app.Router.Use(gin.Recovery(), middleware.RequestLogger(), app.RateLimiter.Middleware())
	app.setupRoutes(cfg.InternalAPIKey)
	return app
}

// setupRoutes groups routes by functionality:
// - Auth routes: public, except me and logout
// - Orders, portfolio, stocks and chat: JWT authentication
// - Internal routes: shared internal key
func (a *App) setupRoutes(internalKey string) {
	authHandlers := auth.NewGinHandlers(a.Auth)
	tradingHandlers := trading.NewGinHandlers(a.Trading)
	portfolioHandlers := portfolio.NewGinHandlers(a.Portfolio, a.Processor)
	marketHandlers := market.NewGinHandlers(a.Market)
	chatHandlers := chat.NewGinHandlers(a.Chat)

	jwtAuth := middleware.JWTAuth(a.Auth)

	a.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC(),
		})
	})

	v1 := a.Router.Group("/api/v1")
	{
		v1.GET("/ws", a.Hub.Handler(a.Auth))

		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandlers.RegisterHandler())
			authGroup.POST("/login", authHandlers.LoginHandler())
			authGroup.POST("/refresh-token", authHandlers.RefreshTokenHandler())
			authGroup.POST("/verify-otp", authHandlers.VerifyOTPHandler())
			authGroup.GET("/me", jwtAuth, authHandlers.MeHandler())
			authGroup.POST("/logout", jwtAuth, authHandlers.LogoutHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(jwtAuth)
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:orderId", tradingHandlers.GetOrderHandler())
			orders.PUT("/:orderId/cancel", tradingHandlers.CancelOrderHandler())
		}

		portfolioGroup := v1.Group("/portfolio")
		portfolioGroup.Use(jwtAuth)
		{
			portfolioGroup.GET("", portfolioHandlers.GetPortfolioHandler())
			portfolioGroup.GET("/holdings", portfolioHandlers.GetHoldingsHandler())
			portfolioGroup.GET("/transactions", portfolioHandlers.GetTransactionsHandler())
			portfolioGroup.GET("/metrics", portfolioHandlers.GetMetricsHandler())
		}

		stocks := v1.Group("/stocks")
		stocks.Use(jwtAuth)
		{
			stocks.GET("/search", marketHandlers.SearchHandler())
			stocks.GET("/:ticker", marketHandlers.GetStockHandler())
		}

		chatGroup := v1.Group("/chat")
		chatGroup.Use(jwtAuth)
		{
			chatGroup.GET("/users", chatHandlers.GetChatUsersHandler())
			chatGroup.GET("/messages/:userId", chatHandlers.GetMessagesHandler())
			chatGroup.POST("/messages", chatHandlers.SendMessageHandler())
			chatGroup.PUT("/messages/:messageId/read", chatHandlers.MarkAsReadHandler())
			chatGroup.DELETE("/messages/:messageId", chatHandlers.DeleteMessageHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(internalKey))
		{
			internal.PUT("/stocks/:ticker/price", marketHandlers.UpdatePriceHandler())
			internal.PUT("/portfolios/:userId", portfolioHandlers.UpdatePortfolioHandler())
			internal.POST("/revaluation", portfolioHandlers.RevaluationHandler())
		}
	}
}
