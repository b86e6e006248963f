package router

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/sleep-study-booking/internal/blobstore"
	"github.com/wolfman30/sleep-study-booking/internal/booking"
	httpmiddleware "github.com/wolfman30/sleep-study-booking/internal/http/middleware"
	"github.com/wolfman30/sleep-study-booking/internal/studies"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

const testSecret = "router-secret"

func newTestRouter(t *testing.T, debug bool, limiter *httpmiddleware.RateLimiter) http.Handler {
	t.Helper()

	logger := logging.NewWithWriter("error", io.Discard)
	ctrl := booking.NewController(booking.Config{
		Drafts:     booking.NewMemoryStore(time.Hour),
		Repository: studies.NewMemoryRepository(),
		Blobs:      blobstore.NewMemoryStore(),
		Logger:     logger,
	})

	return New(&Config{
		Logger:            logger,
		BookingHandler:    booking.NewHandler(ctrl, logger, 0),
		Auth:              httpmiddleware.AuthConfig{JWTSecret: testSecret},
		MetricsHandler:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		RateLimiter:       limiter,
		EnableDebugRoutes: debug,
	})
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	claims := httpmiddleware.SubjectClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + token
}

func send(r http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, false, nil)

	rr := send(router, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}

	if rr := send(router, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected metrics to be mounted, got %d", rr.Code)
	}
}

func TestRouterBookingRequiresAuth(t *testing.T) {
	router := newTestRouter(t, false, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodPost, "/booking"},
		{http.MethodGet, "/booking/steps/1"},
		{http.MethodPost, "/booking/steps"},
		{http.MethodPost, "/booking/referral"},
		{http.MethodPost, "/booking/submit"},
	} {
		if rr := send(router, route.method, route.path, ""); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", route.method, route.path, rr.Code)
		}
	}
}

func TestRouterBookingStartAndStep(t *testing.T) {
	router := newTestRouter(t, false, nil)
	auth := bearer(t, "patient-1")

	rr := send(router, http.MethodPost, "/booking", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d: %s", rr.Code, rr.Body.String())
	}
	var view map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view["current_step"] != float64(1) {
		t.Fatalf("expected step 1, got %v", view["current_step"])
	}

	rr = send(router, http.MethodGet, "/booking/steps/2", auth)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for step 2, got %d", rr.Code)
	}
}

func TestRouterDebugRoutesToggle(t *testing.T) {
	auth := bearer(t, "patient-1")

	hidden := newTestRouter(t, false, nil)
	if rr := send(hidden, http.MethodGet, "/booking/draft", auth); rr.Code != http.StatusNotFound && rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected debug routes hidden, got %d", rr.Code)
	}

	shown := newTestRouter(t, true, nil)
	send(shown, http.MethodPost, "/booking", auth)
	if rr := send(shown, http.MethodGet, "/booking/draft", auth); rr.Code != http.StatusOK {
		t.Fatalf("expected draft inspect, got %d", rr.Code)
	}
	if rr := send(shown, http.MethodDelete, "/booking/draft", auth); rr.Code != http.StatusNoContent {
		t.Fatalf("expected draft reset, got %d", rr.Code)
	}
}

func TestRouterRateLimitsSubmitOnly(t *testing.T) {
	router := newTestRouter(t, false, httpmiddleware.NewRateLimiter(0.001, 1))
	auth := bearer(t, "patient-1")

	send(router, http.MethodPost, "/booking/submit", auth)
	if rr := send(router, http.MethodPost, "/booking/submit", auth); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second submit to be limited, got %d", rr.Code)
	}
	if rr := send(router, http.MethodGet, "/booking/steps/1", auth); rr.Code == http.StatusTooManyRequests {
		t.Fatalf("step navigation should not be rate limited")
	}
}
