package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"crater/internal/metrics"
)

func MetricsMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		metrics.IncrementRequests()
		metrics.IncrementActiveRequests()

		defer func() {
			metrics.DecrementActiveRequests()
			metrics.RecordResponseTime(time.Since(start))
		}()

		next(ctx)

		path := string(ctx.Path())
		method := string(ctx.Method())
		switch {
		case strings.HasSuffix(path, "/upload"):
			metrics.IncrementIngests()
		case method == "DELETE":
			metrics.IncrementRemoves()
		case method == "GET" && (strings.HasSuffix(path, ".tar.bz2") || strings.HasSuffix(path, ".conda")):
			metrics.IncrementDownloads()
		}

		if ctx.Response.StatusCode() >= 400 {
			metrics.IncrementErrors()
		}
	}
}
