// Package server is a reference implementation of the remote API the sync
// engine talks to.
package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/remote"
)

// Config configures a Server.
type Config struct {
	// BlobDir is where uploaded documents are stored.
	BlobDir string
	// PublicURL prefixes returned blob URLs. Defaults to the request host.
	PublicURL string
	// Token, when set, is required as a bearer token on /v1 routes.
	Token string
	// NotifyOnUpload marks a document notified when it carries a customer
	// email, standing in for the mail dispatcher.
	NotifyOnUpload bool
}

// Server serves the remote API.
type Server struct {
	cfg     Config
	backend Backend
	logger  *zap.Logger
	engine  *gin.Engine
}

// New creates a Server and registers its routes.
func New(cfg Config, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, backend: backend, logger: logger, engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.logRequests())

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	if cfg.BlobDir != "" {
		s.engine.Static("/blobs", cfg.BlobDir)
	}

	v1 := s.engine.Group("/v1", s.requireToken())
	v1.POST("/sales", s.handleCreateSale)
	v1.POST("/documents", s.handleUploadDocument)
	v1.GET("/documents/:name/notification", s.handleNotification)
	v1.GET("/products", s.handleListProducts)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("remote API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.cfg.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleCreateSale(c *gin.Context) {
	var req remote.SalePayload
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Warn("failed to bind sale payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}
	if req.SaleNumber == "" || len(req.LineItems) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "saleNumber and lineItems are required"})
		return
	}

	id, err := s.backend.CreateSale(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("failed to create sale", zap.String("sale_number", req.SaleNumber), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create sale"})
		return
	}
	c.JSON(http.StatusCreated, remote.CreateSaleResponse{ID: id})
}

func (s *Server) handleUploadDocument(c *gin.Context) {
	if s.cfg.BlobDir == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "blob storage not configured"})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	name := file.Filename
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}

	meta := remote.Metadata{
		CustomerEmail: c.PostForm("customerEmail"),
		TicketNumber:  c.PostForm("ticketNumber"),
		TotalAmount:   c.PostForm("totalAmount"),
		SaleDate:      c.PostForm("saleDate"),
	}

	if err := c.SaveUploadedFile(file, filepath.Join(s.cfg.BlobDir, name)); err != nil {
		s.logger.Error("failed to store document", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store document"})
		return
	}

	url := s.blobURL(c, name)
	ctx := c.Request.Context()
	if err := s.backend.SaveDocument(ctx, name, url, meta); err != nil {
		s.logger.Error("failed to record document", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record document"})
		return
	}

	if s.cfg.NotifyOnUpload && meta.CustomerEmail != "" {
		if err := s.backend.MarkNotified(ctx, name); err != nil {
			s.logger.Warn("failed to mark document notified", zap.String("name", name), zap.Error(err))
		} else {
			s.logger.Info("customer notified",
				zap.String("ticket", meta.TicketNumber),
				zap.String("email", meta.CustomerEmail))
		}
	}

	c.JSON(http.StatusCreated, remote.UploadResponse{URL: url})
}

func (s *Server) blobURL(c *gin.Context, name string) string {
	base := strings.TrimSuffix(s.cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + c.Request.Host
	}
	return base + "/blobs/" + name
}

func (s *Server) handleNotification(c *gin.Context) {
	sent, err := s.backend.NotificationSent(c.Request.Context(), c.Param("name"))
	if errors.Is(err, remote.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	if err != nil {
		s.logger.Error("failed to read notification state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, remote.NotificationResponse{Sent: sent})
}

func (s *Server) handleListProducts(c *gin.Context) {
	products, err := s.backend.ListProducts(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list products", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if products == nil {
		products = []remote.RemoteProduct{}
	}
	c.JSON(http.StatusOK, products)
}
