package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"workbench/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
)

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TraceContextMiddleware())

	var seen string
	r.GET("/", func(c *gin.Context) {
		seen, _ = c.Request.Context().Value(contextkey.TraceID).(string)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(traceIDHeader, "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if seen != "trace-1" {
		t.Fatalf("trace id in context = %q", seen)
	}
	if got := w.Header().Get(traceIDHeader); got != "trace-1" {
		t.Fatalf("trace header = %q", got)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatal("request id not generated")
	}
}
