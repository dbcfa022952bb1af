package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

const (
	serverName      = "runestone"
	readTimeout     = 60 * time.Second
	maxRequestBody  = 10 << 20 // 10 MiB
	idleTimeout     = 120 * time.Second
	writeGraceSlack = 30 * time.Second
)

// Handler builds the full authenticated route table wrapped in the standard
// middleware chain. Health endpoints are served elsewhere, on their own
// listener, so probes never compete with proxy traffic.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.HandleChatCompletions)
	r.POST("/v1/completions", g.HandleCompletions)
	r.POST("/v1/embeddings", g.HandleEmbeddings)
	r.GET("/v1/models", g.HandleModels)
	r.GET("/v1/models/{id}", g.HandleModel)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		corsHandler(g.corsOrigins),
		requestID,
		timing,
		securityHeaders,
	)
}

// Start runs the main listener until Shutdown or a listener error. The write
// timeout leaves slack beyond the total request deadline so long streams are
// never cut mid-flight by the server itself.
func (g *Gateway) Start(addr string) error {
	g.srv = &fasthttp.Server{
		Handler:            g.Handler(),
		Name:               serverName,
		ReadTimeout:        readTimeout,
		WriteTimeout:       g.totalTimeout + writeGraceSlack,
		IdleTimeout:        idleTimeout,
		MaxRequestBodySize: maxRequestBody,
		CloseOnShutdown:    true,
	}
	g.log.Info("gateway listening", "addr", addr)
	return g.srv.ListenAndServe(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}
