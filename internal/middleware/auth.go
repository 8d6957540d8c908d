package middleware

import (
	"strings"

	"github.com/valyala/fasthttp"

	"crater/internal/config"
)

// IdentityKey is the request user value the auth middleware stores the
// authenticated uploader identity under. Handlers pass it opaquely into
// the engine; the engine never interprets it.
const IdentityKey = "identity"

// AuthMiddleware accepts either a bearer token or an X-API-Key header
// (conda clients commonly carry the latter). Read operations pass without
// credentials unless require-read-auth is set.
func AuthMiddleware(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if !cfg.Auth.Enabled {
				ctx.SetUserValue(IdentityKey, "anonymous")
				next(ctx)
				return
			}

			method := string(ctx.Method())
			if method == "GET" || method == "HEAD" {
				if !cfg.Auth.RequireReadAuth {
					ctx.SetUserValue(IdentityKey, "anonymous")
					next(ctx)
					return
				}
			}

			if apiKey := string(ctx.Request.Header.Peek("X-API-Key")); apiKey != "" {
				if apiKey != cfg.Auth.APIKey {
					ctx.Error("Invalid API key", fasthttp.StatusUnauthorized)
					return
				}
				ctx.SetUserValue(IdentityKey, "api-key")
				next(ctx)
				return
			}

			authHeader := string(ctx.Request.Header.Peek("Authorization"))
			if authHeader == "" {
				ctx.Error("Authorization required", fasthttp.StatusUnauthorized)
				ctx.Response.Header.Set("WWW-Authenticate", "Bearer")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				ctx.Error("Invalid authorization format", fasthttp.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token != cfg.Auth.Token {
				ctx.Error("Invalid token", fasthttp.StatusUnauthorized)
				return
			}

			ctx.SetUserValue(IdentityKey, "token")
			next(ctx)
		}
	}
}
