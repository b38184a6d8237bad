package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nshruti113/flowguard/internal/config"
	"github.com/nshruti113/flowguard/internal/detection"
	"github.com/nshruti113/flowguard/internal/enforcement"
	"github.com/nshruti113/flowguard/internal/mitigation"
	"github.com/nshruti113/flowguard/internal/models"
	"github.com/nshruti113/flowguard/internal/storage"
)

const adminHeader = "X-Admin-Token"

// alertSource is implemented by stores that can fan alerts out across processes
type alertSource interface {
	SubscribeAlerts(ctx context.Context) <-chan models.Alert
}

type Server struct {
	cfg       *config.Config
	store     storage.Store
	enforcer  enforcement.Enforcer
	policy    *detection.PolicyManager
	gateway   *detection.Gateway
	scheduler *mitigation.Scheduler
	hub       *Hub
	clock     clockwork.Clock
	model     string
	router    *gin.Engine
}

func NewServer(ctx context.Context, cfg *config.Config, store storage.Store, enforcer enforcement.Enforcer, clock clockwork.Clock) (*Server, error) {
	policy := detection.NewPolicyManager(store, cfg.PolicyDefaults(), clock)
	if err := policy.Load(ctx); err != nil {
		return nil, err
	}

	model := cfg.NewClassifier()
	scheduler := mitigation.NewScheduler(store, enforcer, clock)
	gateway := detection.NewGateway(store, model, policy, scheduler, cfg.Rules, clock)
	gateway.SetClassifierTimeout(cfg.Classifier.Timeout)

	s := &Server{
		cfg:       cfg,
		store:     store,
		enforcer:  enforcer,
		policy:    policy,
		gateway:   gateway,
		scheduler: scheduler,
		hub:       NewHub(),
		clock:     clock,
		model:     model.Version(),
		router:    gin.Default(),
	}

	scheduler.OnTransition(func(kind string, block models.BlockEntry) {
		if kind == mitigation.KindExpire {
			kind = mitigation.KindUnblock
		}
		s.hub.Broadcast(kind, block)
	})
	// stores with pub/sub relay alerts in Run instead
	if _, ok := store.(alertSource); !ok {
		gateway.OnAlert(func(a models.Alert) { s.hub.Broadcast("alert", a) })
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware())

	s.router.POST("/detect", s.detect)
	s.router.GET("/status", s.status)
	s.router.GET("/alerts/recent", s.recentAlerts)
	s.router.GET("/blocked", s.activeBlocks)
	s.router.GET("/blocked/history", s.blockHistory)

	admin := s.router.Group("/", s.requireAdmin())
	{
		admin.GET("/whitelist", s.listWhitelist)
		admin.POST("/whitelist/add", s.addWhitelist)
		admin.DELETE("/whitelist/:ip", s.removeWhitelist)

		admin.POST("/admin/block", s.manualBlock)
		admin.DELETE("/admin/block/:ip", s.manualUnblock)
		admin.GET("/admin/config", s.getConfig)
		admin.POST("/admin/config", s.updateConfig)
	}

	s.router.GET("/ws", s.hub.handleWebSocket)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run serves HTTP and drives the expiry loop and reconcile sweep until ctx
// is cancelled
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Server.AdminAPIKey == "" {
		log.Warn("ADMIN_API_KEY not set; admin endpoints are exposed without authentication")
	}

	if _, err := s.scheduler.StartReconcile(ctx, s.cfg.Scheduler.Reconcile); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.scheduler.Run(ctx)
	})

	if src, ok := s.store.(alertSource); ok {
		g.Go(func() error {
			for alert := range src.SubscribeAlerts(ctx) {
				s.hub.Broadcast("alert", alert)
			}
			return nil
		})
	}

	g.Go(func() error {
		log.WithFields(log.Fields{
			"listen":      srv.Addr,
			"enforcement": s.enforcer.Name(),
			"model":       s.model,
		}).Info("server listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// detect scores one feature vector
func (s *Server) detect(c *gin.Context) {
	var fv models.FeatureVector
	if err := c.ShouldBindJSON(&fv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	verdict, err := s.gateway.Detect(c.Request.Context(), fv)
	switch {
	case errors.Is(err, models.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		log.WithField("src_ip", fv.SrcIP).Errorf("detection failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, verdict)
}

// status reports capture activity from recent submissions
func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	now := s.clock.Now().UTC()

	last10s, err := s.store.CountFlowsSince(ctx, now.Add(-10*time.Second))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lastMinute, err := s.store.CountFlowsSince(ctx, now.Add(-time.Minute))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":              "ok",
		"timestamp":           now,
		"live_capture_active": last10s > 0,
		"flows_last_10s":      last10s,
		"flows_last_minute":   lastMinute,
		"model_version":       s.model,
		"enforcement":         s.enforcer.Name(),
		"blocks_pending":      s.scheduler.Pending(),
		"ws_clients":          s.hub.Len(),
	})
}

func (s *Server) recentAlerts(c *gin.Context) {
	alerts, err := s.store.RecentAlerts(c.Request.Context(), queryLimit(c, 20))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) activeBlocks(c *gin.Context) {
	blocks, err := s.scheduler.Active(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, blocks)
}

func (s *Server) blockHistory(c *gin.Context) {
	history, err := s.store.BlockHistory(c.Request.Context(), queryLimit(c, 5000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) listWhitelist(c *gin.Context) {
	entries, err := s.store.ListWhitelist(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) addWhitelist(c *gin.Context) {
	var entry models.WhitelistEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ip, err := models.CanonicalIP(entry.IP)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip"})
		return
	}
	entry.IP = ip

	entry.CreatedAt = s.clock.Now().UTC()
	if err := s.store.AddWhitelist(c.Request.Context(), entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.WithFields(log.Fields{"ip": entry.IP, "note": entry.Note}).Info("address whitelisted")
	c.JSON(http.StatusOK, gin.H{"ok": true, "ip": entry.IP})
}

func (s *Server) removeWhitelist(c *gin.Context) {
	ip := c.Param("ip")
	if canonical, err := models.CanonicalIP(ip); err == nil {
		ip = canonical
	}

	deleted, err := s.store.RemoveWhitelist(c.Request.Context(), ip)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	n := 0
	if deleted {
		n = 1
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "deleted": n})
}

type manualBlockRequest struct {
	IP          string `json:"ip" binding:"required"`
	DurationSec int    `json:"duration_sec"`
	Note        string `json:"note"`
}

func (s *Server) manualBlock(c *gin.Context) {
	var req manualBlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	duration := req.DurationSec
	if duration == 0 {
		duration = s.policy.Current().BlockDurationSec
	}

	entry, created, err := s.scheduler.Block(c.Request.Context(), mitigation.Request{
		IP:          req.IP,
		DurationSec: duration,
		Reason:      "manual",
		Actor:       models.ActorAdmin,
		Note:        req.Note,
	})
	switch {
	case errors.Is(err, mitigation.ErrInvalidAddress), errors.Is(err, mitigation.ErrInvalidDuration):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"ip":           entry.IP,
		"duration_sec": entry.DurationSec,
		"unblock_at":   entry.UnblockAt,
		"created":      created,
	})
}

func (s *Server) manualUnblock(c *gin.Context) {
	ip := c.Param("ip")

	removed, err := s.scheduler.Unblock(c.Request.Context(), ip)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "ip": ip, "removed": removed})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.policy.Current())
}

func (s *Server) updateConfig(c *gin.Context) {
	var update detection.PolicyUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := s.policy.Update(c.Request.Context(), update)
	switch {
	case errors.Is(err, detection.ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "config": policy})
}

// requireAdmin checks the admin token when one is configured
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := s.cfg.Server.AdminAPIKey
		if key == "" {
			c.Next()
			return
		}

		token := c.GetHeader(adminHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}

func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// corsMiddleware handles CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, "+adminHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
