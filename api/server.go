package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"swingtrader/logger"
	"swingtrader/metrics"
	"swingtrader/store"
	"swingtrader/trader"
)

// Server HTTP API server
type Server struct {
	router     *gin.Engine
	engine     *trader.Engine
	store      *store.Store
	jwtSecret  string
	httpServer *http.Server
	port       int
}

// NewServer Creates API server. An empty jwtSecret disables authentication.
func NewServer(engine *trader.Engine, port int, jwtSecret string) *Server {
	// Set to Release mode (reduce log output)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		engine:    engine,
		store:     engine.Store(),
		jwtSecret: jwtSecret,
		port:      port,
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api")
	{
		// Health check (no authentication required)
		api.GET("/health", s.handleHealth)

		protected := api.Group("/", s.authMiddleware())
		{
			// Ledger views
			protected.GET("/config", s.handleGetConfig)
			protected.GET("/orders", s.handleListOrders)
			protected.GET("/orders/:id", s.handleGetOrder)
			protected.GET("/orders/:id/history", s.handleOrderHistory)
			protected.GET("/positions", s.handleListPositions)
			protected.GET("/tracking", s.handleListTracking)
			protected.GET("/attempts", s.handleListAttempts)

			// Runs
			protected.POST("/entries", s.handleRunEntries)
			protected.POST("/retries/run", s.handleRunRetries)
			protected.POST("/reentry/run", s.handleRunReentries)
			protected.POST("/reconcile/run", s.handleRunReconcile)
			protected.POST("/verifier/run", s.handleRunVerifier)
		}
	}
}

// handleHealth Health check
func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status, code := "ok", http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	resp := gin.H{
		"status":             status,
		"time":               s.engine.Clock().Now().UTC().Format(time.RFC3339),
		"verifier_last_tick": formatTime(s.engine.Verifier().LastTick()),
		"last_reconcile":     formatTime(s.engine.Reconciler().LastRun(ctx)),
	}
	c.JSON(code, resp)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// handleGetConfig returns the strategy knobs the engine runs with.
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg := s.engine.Config()
	st := cfg.Strategy
	c.JSON(http.StatusOK, gin.H{
		"max_positions":        st.MaxPositions,
		"capital_per_trade":    st.CapitalPerTrade,
		"rsi_levels":           []float64{st.RSITop, st.RSIMid, st.RSILow},
		"rsi_exit":             st.RSIExit,
		"daily_reentry_cap":    st.DailyReentryCap,
		"liquidity_tiers":      st.LiquidityTiers,
		"t2t_limit_premium":    st.T2TLimitPremium,
		"manual_qty_tolerance": st.ManualQtyTolerance,
		"exchange":             cfg.Exchange,
		"product":              cfg.Product,
		"verifier_interval":    cfg.VerifierInterval.String(),
		"reconcile_interval":   cfg.ReconcileInterval.String(),
	})
}

func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (s *Server) handleListOrders(c *gin.Context) {
	orders, err := s.store.Order().List(c.Request.Context(), store.OrderFilter{
		Status:     c.Query("status"),
		BaseSymbol: c.Query("symbol"),
		Limit:      queryLimit(c, 100),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list orders: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	o, err := s.store.Order().Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Order %d does not exist", id)})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleOrderHistory(c *gin.Context) {
	id, ok := s.orderID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.store.Order().Get(ctx, id); errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Order %d does not exist", id)})
		return
	}
	history, err := s.store.Order().History(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": id, "history": history})
}

func (s *Server) handleListPositions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		positions []*store.Position
		err       error
	)
	if c.Query("open") == "true" {
		positions, err = s.store.Position().ListOpen(ctx)
	} else {
		positions, err = s.store.Position().List(ctx, queryLimit(c, 100))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Failed to list positions: %v", err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleListTracking(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := s.store.Tracking().List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	discrepancies, err := s.store.Tracking().ListDiscrepancies(ctx, queryLimit(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "discrepancies": discrepancies})
}

func (s *Server) handleListAttempts(c *gin.Context) {
	attempts, err := s.store.Attempts().ListRecent(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

type entriesRequest struct {
	Recommendations []trader.Recommendation `json:"recommendations" binding:"required,dive"`
}

// handleRunEntries places buy orders for a batch of recommendations.
func (s *Server) handleRunEntries(c *gin.Context) {
	var req entriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	summary, err := s.engine.RunEntries(c.Request.Context(), req.Recommendations)
	writeBatch(c, summary, err)
}

func (s *Server) handleRunRetries(c *gin.Context) {
	summary, err := s.engine.RunRetries(c.Request.Context())
	writeBatch(c, summary, err)
}

// writeBatch reports an aborted batch as 503 with whatever was attempted.
func writeBatch(c *gin.Context, summary *trader.BatchSummary, err error) {
	if err != nil {
		if summary == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, summary)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleRunReentries(c *gin.Context) {
	results, err := s.engine.RunReentries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) handleRunReconcile(c *gin.Context) {
	report, err := s.engine.RunReconcile(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleRunVerifier(c *gin.Context) {
	stats, err := s.engine.RunVerifier(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Start Start server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 API server starting at http://localhost%s", addr)
	logger.Infof("📊 API Documentation:")
	logger.Infof("  • GET  /api/health              - Health check")
	logger.Infof("  • GET  /api/orders?status=&symbol= - Order ledger")
	logger.Infof("  • GET  /api/orders/:id/history  - Status history of one order")
	logger.Infof("  • GET  /api/positions?open=true - Positions")
	logger.Infof("  • GET  /api/tracking            - Tracking scope and discrepancies")
	logger.Infof("  • GET  /api/attempts            - Admission audit trail")
	logger.Infof("  • POST /api/entries             - Place entries for recommendations")
	logger.Infof("  • POST /api/retries/run         - Run the insufficient-balance retry queue")
	logger.Infof("  • POST /api/reentry/run         - Evaluate open positions")
	logger.Infof("  • POST /api/reconcile/run       - Reconcile holdings now")
	logger.Infof("  • GET  /metrics                 - Prometheus metrics")
	if s.jwtSecret == "" {
		logger.Warn("⚠️  API_JWT_SECRET is empty, API authentication disabled")
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown Gracefully shutdown server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
