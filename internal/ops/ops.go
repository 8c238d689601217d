// Package ops 运维接口：健康检查、状态快照、prometheus 指标。
package ops

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TNumFive/terminal/internal/relay"
)

// ClientCounter 由下游网关提供在线数。
type ClientCounter interface {
	Clients() int
}

func NewRouter(ctrl *relay.Controller, clients ClientCounter) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	r.GET("/status", func(c *gin.Context) {
		table := ctrl.Table()
		c.JSON(http.StatusOK, gin.H{
			"upstream_ready": ctrl.Ready(),
			"clients":        clients.Clients(),
			"default_stream": table.DefaultStream(),
			"streams":        table.Snapshot(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
