// Package server exposes the s3desk HTTP API and serves the web UI.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/s3desk/s3desk/internal/audit"
	"github.com/s3desk/s3desk/internal/auth"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/db"
	"github.com/s3desk/s3desk/internal/metrics"
	"github.com/s3desk/s3desk/internal/middleware"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/s3desk/s3desk/internal/upload"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout      = 30 * time.Second
	sessionPurgeInterval = time.Hour
)

// ObjectStore is the file manager view of the object store
type ObjectStore interface {
	BucketAllowed(bucket string) bool
	ListBuckets(ctx context.Context) ([]objstore.Bucket, error)
	ListObjects(ctx context.Context, bucket, prefix, continuationToken string) (*objstore.ListResult, error)
	HeadObject(ctx context.Context, bucket, key string) (*objstore.Object, error)
	GetObjectContent(ctx context.Context, bucket, key string) (*objstore.ObjectContent, error)
	CreateFolder(ctx context.Context, bucket, path string) error
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) error
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	MoveObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	RenameObject(ctx context.Context, bucket, oldKey, newKey string) error
	PresignUpload(ctx context.Context, bucket, key, contentType string) (*objstore.PresignedURL, error)
	PresignDownload(ctx context.Context, bucket, key string) (*objstore.PresignedURL, error)
	UploadObject(ctx context.Context, in objstore.UploadInput) error
}

// Dependencies are the collaborators a Server is built from
type Dependencies struct {
	DB      *sql.DB
	Objects ObjectStore
	Auth    *auth.Manager
	Audit   *audit.Manager
	Uploads *upload.Tracker
	Metrics metrics.Manager
}

// Server represents the s3desk server
type Server struct {
	config     *config.Config
	httpServer *http.Server
	db         *sql.DB
	objects    ObjectStore
	auth       *auth.Manager
	audit      *audit.Manager
	uploads    *upload.Tracker
	metrics    metrics.Manager
	startTime  time.Time
}

// New creates a server wired to the configured object store and database
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	conn, err := db.Open(cfg.DBPath(), logrus.StandardLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	metricsManager := metrics.NewManager(cfg.Metrics, cfg.DataDir)

	objects, err := objstore.NewFromConfig(ctx, cfg.S3, metricsManager.RecordS3Operation)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	var auditStore audit.Store
	if cfg.Audit.Enable {
		auditStore = audit.NewSQLiteStore(conn)
	}

	return NewWithDependencies(cfg, Dependencies{
		DB:      conn,
		Objects: objects,
		Auth:    auth.NewManager(cfg.Auth, conn),
		Audit:   audit.NewManager(auditStore, logrus.StandardLogger()),
		Uploads: upload.NewTracker(),
		Metrics: metricsManager,
	}), nil
}

// NewWithDependencies creates a server from already built collaborators
func NewWithDependencies(cfg *config.Config, deps Dependencies) *Server {
	if deps.Uploads == nil {
		deps.Uploads = upload.NewTracker()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewManager(nil, logrus.StandardLogger())
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewManager(config.MetricsConfig{}, "")
	}

	s := &Server{
		config:    cfg,
		db:        deps.DB,
		objects:   deps.Objects,
		auth:      deps.Auth,
		audit:     deps.Audit,
		uploads:   deps.Uploads,
		metrics:   deps.Metrics,
		startTime: time.Now(),
	}

	// No read or write timeout: uploads and their progress streams last as
	// long as the transfer does.
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start serves until ctx is canceled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address":    s.config.Listen,
		"public_url": s.config.PublicURL,
		"data_dir":   s.config.DataDir,
		"tls":        s.config.EnableTLS,
	}).Info("Starting s3desk server")

	if err := s.metrics.Start(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to start metrics collection")
	}
	s.audit.StartRetentionJob(ctx, s.config.Audit.RetentionDays)
	go s.purgeSessions(ctx)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.EnableTLS {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errCh:
		s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	}
}

func (s *Server) shutdown() error {
	logrus.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if s.metrics.IsHealthy() {
		s.metrics.Stop()
	}
	if s.auth != nil {
		s.auth.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database")
		}
	}

	return nil
}

// purgeSessions removes expired session rows every hour
func (s *Server) purgeSessions(ctx context.Context) {
	if s.auth == nil {
		return
	}

	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.auth.PurgeExpiredSessions(ctx)
			if err != nil {
				logrus.WithError(err).Warn("Failed to purge expired sessions")
				continue
			}
			if count > 0 {
				logrus.WithField("count", count).Info("Purged expired sessions")
			}
		}
	}
}

// Handler builds the complete HTTP handler
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.metrics.Middleware())
	s.setupRoutes(router)

	origins := append([]string{s.config.PublicURL}, s.config.Auth.TrustedOrigins...)

	var handler http.Handler = router
	handler = middleware.TrustedOrigins(origins)(handler)
	handler = middleware.CORS(origins)(handler)
	handler = middleware.Logging("/api/health", s.config.Metrics.Path)(handler)
	handler = middleware.Tracing(handler)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(logrus.StandardLogger()),
		handlers.PrintRecoveryStack(true),
	)(handler)
}

func (s *Server) setupRoutes(router *mux.Router) {
	router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	if s.config.Metrics.Enable {
		router.Handle(s.config.Metrics.Path, s.metrics.GetMetricsHandler()).Methods("GET")
	}

	// Auth endpoints
	authRouter := router.PathPrefix("/api/auth").Subrouter()
	authRouter.HandleFunc("/sign-up/email", s.handleSignUp).Methods("POST")
	authRouter.HandleFunc("/sign-in/email", s.handleSignIn).Methods("POST")
	authRouter.HandleFunc("/sign-out", s.handleSignOut).Methods("POST")
	authRouter.HandleFunc("/sign-in/google", s.handleGoogleSignIn).Methods("GET")
	authRouter.HandleFunc("/callback/google", s.handleGoogleCallback).Methods("GET")

	sessionRouter := authRouter.NewRoute().Subrouter()
	sessionRouter.Use(s.auth.Middleware())
	sessionRouter.HandleFunc("/session", s.handleGetSession).Methods("GET")
	sessionRouter.HandleFunc("/two-factor/setup", s.handleTwoFactorSetup).Methods("POST")
	sessionRouter.HandleFunc("/two-factor/enable", s.handleTwoFactorEnable).Methods("POST")
	sessionRouter.HandleFunc("/two-factor/disable", s.handleTwoFactorDisable).Methods("POST")

	// Object store endpoints
	s3Router := router.PathPrefix("/api/s3").Subrouter()
	s3Router.Use(s.auth.Middleware())
	s3Router.HandleFunc("/buckets", s.handleListBuckets).Methods("GET")
	s3Router.HandleFunc("/objects", s.handleListObjects).Methods("GET")
	s3Router.Handle("/objects", auth.RequireWrite(http.HandlerFunc(s.handleObjectsAction))).Methods("POST")
	s3Router.HandleFunc("/objects/{bucket}/{key:.+}", s.handleGetObject).Methods("GET")
	s3Router.Handle("/objects/{bucket}/{key:.+}", auth.RequireWrite(http.HandlerFunc(s.handleDeleteObject))).Methods("DELETE")
	s3Router.Handle("/objects/{bucket}/{key:.+}", auth.RequireWrite(http.HandlerFunc(s.handleUpdateObject))).Methods("PATCH")
	s3Router.HandleFunc("/objects/{bucket}", s.handleMissingKey).Methods("GET", "DELETE", "PATCH")
	s3Router.HandleFunc("/objects/{bucket}/", s.handleMissingKey).Methods("GET", "DELETE", "PATCH")
	s3Router.HandleFunc("/presigned", s.handlePresigned).Methods("POST")
	s3Router.Handle("/upload", auth.RequireWrite(http.HandlerFunc(s.handleUpload))).Methods("POST")
	s3Router.HandleFunc("/uploads", s.handleListUploads).Methods("GET")
	s3Router.HandleFunc("/uploads", s.handleClearUploads).Methods("DELETE")

	// Audit log, admins only
	auditRouter := router.PathPrefix("/api/audit").Subrouter()
	auditRouter.Use(s.auth.Middleware())
	auditRouter.Use(auth.RequireAdmin)
	auditRouter.HandleFunc("", s.handleListAuditLogs).Methods("GET")

	router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	router.PathPrefix("/").Handler(s.frontendHandler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			logrus.WithError(err).Warn("Health check: database unavailable")
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}
