package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

const (
	defaultTradeLimit = 20
	maxTradeLimit     = 200
)

// StatusProvider снимки состояния движков
type StatusProvider interface {
	Status() []domain.EngineStatus
}

type Server struct {
	logger   *utils.Logger
	status   StatusProvider
	trades   domain.TradeRepository
	registry *prometheus.Registry
	port     int
	started  time.Time
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func NewServer(
	logger *utils.Logger,
	status StatusProvider,
	trades domain.TradeRepository,
	registry *prometheus.Registry,
	port int,
) *Server {
	return &Server{
		logger:   logger,
		status:   status,
		trades:   trades,
		registry: registry,
		port:     port,
		started:  time.Now(),
	}
}

// Router маршруты HTTP API
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/trades", s.handleTrades)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	return r
}

// Start блокирует до отмены ctx, затем корректно завершает сервер
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	}
}

// handleHealth - health check endpoint
func (s *Server) handleHealth(c *gin.Context) {
	halted := 0
	for _, st := range s.status.Status() {
		if st.Halted {
			halted++
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"halted":    halted,
	}
	if halted > 0 {
		health["status"] = "degraded"
	}

	s.sendSuccess(c, health)
}

// handleStatus - состояние всех пар или одной (?pair=BNB/USDT)
func (s *Server) handleStatus(c *gin.Context) {
	all := s.status.Status()

	pair := c.Query("pair")
	if pair == "" {
		s.sendSuccess(c, map[string]interface{}{
			"engines":   all,
			"timestamp": time.Now().Unix(),
		})
		return
	}

	p, err := domain.ParsePair(pair)
	if err != nil {
		s.sendError(c, err.Error(), http.StatusBadRequest)
		return
	}
	for _, st := range all {
		if st.Pair == p.String() {
			s.sendSuccess(c, st)
			return
		}
	}
	s.sendError(c, fmt.Sprintf("Pair %s not found", p), http.StatusNotFound)
}

// handleTrades - последние сделки
func (s *Server) handleTrades(c *gin.Context) {
	if s.trades == nil {
		s.sendError(c, "Trade history not available", http.StatusServiceUnavailable)
		return
	}

	pair := c.Query("pair")
	if pair != "" {
		p, err := domain.ParsePair(pair)
		if err != nil {
			s.sendError(c, err.Error(), http.StatusBadRequest)
			return
		}
		pair = p.String()
	}

	limit := getQueryParamInt(c, "limit", defaultTradeLimit)
	if limit <= 0 || limit > maxTradeLimit {
		s.sendError(c, fmt.Sprintf("limit must be in 1..%d", maxTradeLimit), http.StatusBadRequest)
		return
	}

	trades, err := s.trades.Recent(c.Request.Context(), pair, limit)
	if err != nil {
		s.logger.Error("Failed to load trades: %v", err)
		s.sendError(c, fmt.Sprintf("Failed to load trades: %v", err), http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}

	s.sendSuccess(c, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

// Helper methods
func (s *Server) sendSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

func (s *Server) sendError(c *gin.Context, message string, statusCode int) {
	c.JSON(statusCode, Response{
		Success: false,
		Error:   message,
	})
}

// Helper function to parse int query parameter
func getQueryParamInt(c *gin.Context, key string, defaultValue int) int {
	if value := c.Query(key); value != "" {
		intValue, err := strconv.Atoi(value)
		if err != nil {
			return -1
		}
		return intValue
	}
	return defaultValue
}
