package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the image, admin, health and metrics routes. admin or
// gatherer may be nil to leave those routes out.
func NewRouter(images *ImageHandler, admin *AdminHandler, gatherer prometheus.Gatherer, logger *log.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	if images != nil {
		r.GET("/pets/:id/image", images.HandleGetImage)
	}

	if admin != nil {
		g := r.Group("/admin")
		g.POST("/sync-jobs", admin.HandleStartJob)
		g.GET("/sync-jobs/:id", admin.HandleGetJob)
		g.GET("/readiness", admin.HandleGetReadiness)
		g.POST("/readiness/recompute", admin.HandleRecomputeReadiness)
		g.POST("/reconcile", admin.HandleReconcile)
	}

	return r
}

func requestLogger(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
