package app

import (
	"net/http"

	"canary-rpc/metadata"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func newEcho(g prometheus.Gatherer, logger log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(IncomingHeaders())
	e.HTTPErrorHandler = errorHandler(logger)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	return e
}

// IncomingHeaders makes the HTTP request's headers the incoming metadata of
// its context, so RPC calls made while handling it carry them on.
func IncomingHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			md := metadata.FromCarrier(metadata.HeaderCarrier(req.Header))
			c.SetRequest(req.WithContext(metadata.NewIncomingContext(req.Context(), md)))
			return next(c)
		}
	}
}

func errorHandler(logger log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}
		if code >= http.StatusInternalServerError {
			level.Error(logger).Log("msg", "request failed", "path", c.Path(), "err", err)
		}
		if err := c.String(code, msg); err != nil {
			level.Warn(logger).Log("msg", "write error response", "err", err)
		}
	}
}
