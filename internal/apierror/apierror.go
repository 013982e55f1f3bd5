// Package apierror writes the API's JSON error body:
//
//	{"error": "<code>", "message": "<text>"}
//
// Client errors (4xx) carry the error's own text. Server errors (5xx) carry a
// fixed message and are logged; outside production they also carry the
// underlying error in "details".
package apierror

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/agenthub/agenthub/internal/logging"
)

var verbose atomic.Bool

// SetVerbose turns "details" on 5xx bodies on or off. The server sets it
// from !config.IsProduction(); it starts off.
func SetVerbose(on bool) { verbose.Store(on) }

// Body builds the error body. An empty msg falls back to err's text for
// 4xx and to the status text for 5xx.
func Body(c *gin.Context, status int, code, msg string, err error) gin.H {
	if msg == "" {
		msg = http.StatusText(status)
		if status < http.StatusInternalServerError && err != nil {
			msg = err.Error()
		}
	}
	body := gin.H{"error": code, "message": msg}
	if status >= http.StatusInternalServerError && err != nil {
		logging.L(c.Request.Context()).Error("request failed",
			"status", status, "code", code, "path", c.Request.URL.Path, "error", err)
		if verbose.Load() {
			body["details"] = err.Error()
		}
	}
	return body
}

// Respond writes Body with status.
func Respond(c *gin.Context, status int, code, msg string, err error) {
	c.JSON(status, Body(c, status, code, msg, err))
}

// Abort is Respond for middleware.
func Abort(c *gin.Context, status int, code, msg string, err error) {
	c.AbortWithStatusJSON(status, Body(c, status, code, msg, err))
}
