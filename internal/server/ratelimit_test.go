package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestRateLimitMiddlewareRejectsBurstOverflow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(rateLimitMiddleware(rate.Limit(0.001), 2))
	router.GET("/api/posts/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	statuses := make([]int, 0, 3)
	for attempt := 0; attempt < 3; attempt++ {
		request := httptest.NewRequest(http.MethodGet, "/api/posts/1", http.NoBody)
		request.RemoteAddr = "203.0.113.7:4242"
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		statuses = append(statuses, recorder.Code)
	}
	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK || statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses: %v", statuses)
	}

	other := httptest.NewRequest(http.MethodGet, "/api/posts/2", http.NoBody)
	other.RemoteAddr = "198.51.100.1:1000"
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected a different client to have its own bucket, got %d", recorder.Code)
	}
}

func TestClientLimitersCollectIdleBuckets(t *testing.T) {
	limiters := newClientLimiters(rate.Limit(1), 1, time.Minute)
	current := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	limiters.now = func() time.Time { return current }

	limiters.get("a|/api/stream")
	limiters.get("b|/api/stream")
	if limiters.size() != 2 {
		t.Fatalf("expected two buckets, got %d", limiters.size())
	}

	current = current.Add(2 * time.Minute)
	limiters.get("c|/api/stream")
	if limiters.size() != 1 {
		t.Fatalf("expected idle buckets to be collected, got %d", limiters.size())
	}
}
