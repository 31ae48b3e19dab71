package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxAnnouncementBody = 1 << 20

// announcementSubmitter is the part of the Dispatcher the API drives.
type announcementSubmitter interface {
	Submit(ctx context.Context, raw []byte) error
}

// API exposes health, metrics, recent events and an announcement intake.
type API struct {
	// ctx outlives requests: accepted announcements keep running after
	// the response is written.
	ctx      context.Context
	submit   announcementSubmitter
	ring     *RingSink
	gatherer prometheus.Gatherer
	vendors  VendorTable
	log      *zap.Logger
	started  time.Time
}

func NewAPI(ctx context.Context, submit announcementSubmitter, ring *RingSink, gatherer prometheus.Gatherer, vendors VendorTable, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{
		ctx:      ctx,
		submit:   submit,
		ring:     ring,
		gatherer: gatherer,
		vendors:  vendors,
		log:      log.Named("api"),
		started:  time.Now(),
	}
}

// Router builds the gin engine.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(a.requestLogger())

	router.GET("/healthz", a.healthCheck)
	if a.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))
	}
	router.GET("/events", a.recentEvents)
	router.GET("/vendors", a.listVendors)
	router.POST("/announcements", a.postAnnouncement)
	return router
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(a.started).Round(time.Second).String(),
	})
}

func (a *API) recentEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	if a.ring == nil {
		c.JSON(http.StatusOK, gin.H{"events": []Event{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": a.ring.Recent(limit)})
}

func (a *API) listVendors(c *gin.Context) {
	type vendor struct {
		ID       string `json:"id"`
		Indirect bool   `json:"indirect"`
	}
	out := make([]vendor, 0, len(a.vendors))
	for _, id := range a.vendors.IDs() {
		out = append(out, vendor{ID: id, Indirect: a.vendors[id].Indirect})
	}
	c.JSON(http.StatusOK, gin.H{"vendors": out})
}

func (a *API) postAnnouncement(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxAnnouncementBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	err = a.submit.Submit(a.ctx, body)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	case errors.Is(err, errSkipFrame):
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errors.Is(err, ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrStale):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, errDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"kind":  KindOf(err).String(),
		})
	}
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

// Serve runs the HTTP server until ctx ends.
func (a *API) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("http api listening", zap.String("addr", addr))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
