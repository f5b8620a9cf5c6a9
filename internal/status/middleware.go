// Package status exposes a read-only HTTP surface over the pipeline
// runner's last-run results: a liveness probe and a small status endpoint,
// for operators running ApiTap as a long-lived scheduled process rather
// than a one-shot CLI invocation.
//
// The envelope and gin middleware here are adapted from the teacher's
// middleware package: the same requestId/start-time/response-envelope
// shape, trimmed to the non-streaming subset this surface needs (ApiTap
// has no per-request streaming response; result batches flow to the
// destination writer, not to an HTTP client).
package status

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is one handler's result, turned into a ResponseAPI envelope by
// send before being written to the client.
type Response struct {
	Data    any
	Message string
	Code    int
	Error   error
}

// ResponseAPI is the JSON envelope every status endpoint responds with.
type ResponseAPI struct {
	RequestID string `json:"requestId"`
	Data      any    `json:"data"`
	Message   string `json:"message"`
}

func setResponseDefaults(r *Response) {
	if r.Message == "" {
		r.Message = "success"
	}
	if r.Code == 0 {
		r.Code = http.StatusOK
	}
}

func send(c *gin.Context) func(Response) {
	return func(r Response) {
		setResponseDefaults(&r)
		if r.Error != nil {
			fmt.Printf("requestId=%v path=%v code=%v error=%v\n", c.GetString("requestId"), c.Request.URL.Path, r.Code, r.Error)
		}
		c.JSON(r.Code, ResponseAPI{
			RequestID: c.GetString("requestId"),
			Data:      r.Data,
			Message:   r.Message,
		})
	}
}

// RequestInit stamps each request with a request ID and start time, the
// way the teacher's middleware.RequestInit does.
func RequestInit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("requestId", uuid.New().String())
		c.Set("start-time", time.Now())
		c.Next()
	}
}

// ResponseInit installs the "send" envelope helper used by handlers below.
func ResponseInit() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("send", send(c))
		c.Next()
	}
}
