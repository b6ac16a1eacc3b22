// Package echoutil has middlewares and settings shared by echo servers of pipelab.
package echoutil

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"go.uber.org/zap"
)

// LogHandlerFunc logs each request and its response.
//
// Responses with 5xx status or errors are logged as warnings.
func LogHandlerFunc(logger *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			begin := time.Now()
			logger.Debugw("< request", "method", req.Method, "uri", req.RequestURI)

			err := next(c)

			status := c.Response().Status
			if herr, ok := err.(*echo.HTTPError); ok {
				status = herr.Code
			}
			kv := []any{
				"method", req.Method, "uri", req.RequestURI,
				"status", status, "elapsed", time.Since(begin),
			}
			if err != nil || 500 <= status {
				logger.Warnw("> response", append(kv, "error", err)...)
			} else {
				logger.Infow("> response", kv...)
			}
			return err
		}
	}
}

// SetLevel sets log level of echo's own logger.
//
// loglevel is one of debug, info, warn, error or off. Unknown levels fall back to warn.
func SetLevel(e *echo.Echo, loglevel string) {
	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "warn", "":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	case "off":
		e.Logger.SetLevel(log.OFF)
	default:
		e.Logger.SetLevel(log.WARN)
		e.Logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}
