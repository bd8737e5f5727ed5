// Command dummysink is a downstream ingestion target for local testing of the HTTP sink.
package main

import (
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aman-churiwal/event-gate/internal/config"
	"github.com/aman-churiwal/event-gate/internal/logging"
	"github.com/aman-churiwal/event-gate/internal/models"
	"github.com/aman-churiwal/event-gate/internal/sink"
)

var opts struct {
	port     int
	failRate float64
}

var rootCmd = &cobra.Command{
	Use:          "dummysink",
	Short:        "Accept event batches forwarded by the gate and log them",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.New(config.LoggerConfig{Level: "info", ServiceName: "dummysink"}, "development")
		if err != nil {
			return err
		}
		defer logger.Sync()

		gin.SetMode(gin.ReleaseMode)
		r := newRouter(logger, opts.failRate, rand.Float64)

		addr := fmt.Sprintf(":%d", opts.port)
		logger.Info("dummy sink starting", zap.String("addr", addr), zap.Float64("fail_rate", opts.failRate))
		return http.ListenAndServe(addr, r)
	},
}

type stats struct {
	batches atomic.Int64
	events  atomic.Int64
	failed  atomic.Int64
}

func newRouter(logger *zap.Logger, failRate float64, rnd func() float64) *gin.Engine {
	st := &stats{}
	r := gin.New()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"batches": st.batches.Load(),
			"events":  st.events.Load(),
			"failed":  st.failed.Load(),
		})
	})

	r.POST("/ingest", func(c *gin.Context) {
		var batch models.EventBatch
		if err := c.ShouldBindJSON(&batch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// Simulated outage, exercises the gate's circuit breakers
		if failRate > 0 && rnd() < failRate {
			st.failed.Add(1)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "simulated failure"})
			return
		}

		st.batches.Add(1)
		st.events.Add(int64(len(batch.Events)))

		logger.Info("received batch",
			zap.String("deployment_id", c.GetHeader(sink.DeploymentHeader)),
			zap.Int("events", len(batch.Events)),
		)

		c.JSON(http.StatusAccepted, gin.H{"accepted": len(batch.Events)})
	})

	return r
}

func main() {
	rootCmd.Flags().IntVarP(&opts.port, "port", "p", 3001, "port to listen on")
	rootCmd.Flags().Float64Var(&opts.failRate, "fail-rate", 0, "fraction of batches answered with 503")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
