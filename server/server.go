// Package server exposes a read-only HTTP view of a folder database and of
// the last training history.
package server

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tsawler/tinyai/catalog"
	"github.com/tsawler/tinyai/training"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// HistorySource returns the training history to serve. Errors matching
// fs.ErrNotExist are reported as 404.
type HistorySource func() (*training.History, error)

// Server handles HTTP requests
type Server struct {
	db      *catalog.Catalog
	history HistorySource
	logger  *zap.Logger

	mu       sync.Mutex
	hydrated map[int]bool
}

// New creates a server over an open catalog. history may be nil.
func New(db *catalog.Catalog, history HistorySource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		db:       db,
		history:  history,
		logger:   logger,
		hydrated: make(map[int]bool),
	}
}

// Router builds the gin engine with all routes registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", s.Health)

	api := r.Group("/api")
	{
		api.GET("/layers", s.ListLayers)
		api.GET("/layers/:layer/records", s.ListRecords)
		api.GET("/layers/:layer/answers", s.ListAnswers)
		api.GET("/history", s.GetHistory)
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Health handles the liveness probe
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// LayerInfo summarizes one layer
type LayerInfo struct {
	Layer   int `json:"layer"`
	Records int `json:"records"`
	Answers int `json:"answers"`
}

// ListLayers lists every registered layer with its size
func (s *Server) ListLayers(c *gin.Context) {
	var out []LayerInfo
	for _, layer := range s.db.Layers() {
		if err := s.ensureLayer(c.Request.Context(), layer); err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, LayerInfo{
			Layer:   layer,
			Records: s.db.LayerCount(layer),
			Answers: len(s.db.Answers(layer)),
		})
	}
	if out == nil {
		out = []LayerInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"layers": out})
}

// ListRecords returns a page of records of a layer
func (s *Server) ListRecords(c *gin.Context) {
	layer, ok := s.layerParam(c)
	if !ok {
		return
	}

	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	c.JSON(http.StatusOK, gin.H{
		"layer":   layer,
		"total":   s.db.LayerCount(layer),
		"offset":  offset,
		"limit":   limit,
		"records": s.db.Records(layer, offset, limit),
	})
}

// ListAnswers returns the answer vocabulary of a layer
func (s *Server) ListAnswers(c *gin.Context) {
	layer, ok := s.layerParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"layer": layer, "answers": s.db.Answers(layer)})
}

// GetHistory returns the last training history
func (s *Server) GetHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no training history"})
		return
	}
	h, err := s.history()
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no training history"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// layerParam parses :layer and makes sure it is registered and hydrated
func (s *Server) layerParam(c *gin.Context) (int, bool) {
	layer, err := strconv.Atoi(c.Param("layer"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid layer"})
		return 0, false
	}
	if !slices.Contains(s.db.Layers(), layer) {
		c.JSON(http.StatusNotFound, gin.H{"error": "layer not found"})
		return 0, false
	}
	if err := s.ensureLayer(c.Request.Context(), layer); err != nil {
		s.fail(c, err)
		return 0, false
	}
	return layer, true
}

// ensureLayer reads a layer into the catalog mirrors once
func (s *Server) ensureLayer(ctx context.Context, layer int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hydrated[layer] {
		return nil
	}
	if err := s.db.ReadLayer(ctx, layer); err != nil {
		return err
	}
	s.hydrated[layer] = true
	return nil
}

func (s *Server) fail(c *gin.Context, err error) {
	s.logger.Error("Request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
