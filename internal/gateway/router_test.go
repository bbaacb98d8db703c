package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
	"github.com/cosim-robotics/coreplane/internal/document"
	"github.com/cosim-robotics/coreplane/internal/signaling"
	"github.com/cosim-robotics/coreplane/internal/simulation"
	"github.com/cosim-robotics/coreplane/internal/substrate"
)

// fakeSimService is a minimal simulation.Service double so router tests
// exercise the HTTP/auth/cache plumbing without a real physics driver.
type fakeSimService struct {
	state    simulation.Snapshot
	getErr   error
	getCalls int
}

func (f *fakeSimService) Create(context.Context, simulation.Session) error { return nil }
func (f *fakeSimService) Delete(context.Context, string) error            { return nil }
func (f *fakeSimService) Execute(context.Context, string, simulation.ExecutionRequest) (simulation.ExecutionResult, error) {
	return simulation.ExecutionResult{Status: simulation.ExecSuccess}, nil
}
func (f *fakeSimService) GetState(context.Context, string) (simulation.Snapshot, error) {
	f.getCalls++
	if f.getErr != nil {
		return simulation.Snapshot{}, f.getErr
	}
	return f.state, nil
}
func (f *fakeSimService) SubscribeStream(context.Context, string, int64) (simulation.Subscription, error) {
	return nil, coreerr.New(coreerr.NotFound, "not used in this test")
}
func (f *fakeSimService) SendControl(context.Context, string, simulation.ControlMessage) error {
	return nil
}

func newTestRouter(t *testing.T, sim simulation.Service) (*Router, substrate.Store) {
	t.Helper()
	store := substrate.NewMemStore()
	auth := NewAuthenticator(testSigningKey, store, time.Minute, zap.NewNop())
	limiter := NewRateLimiter(store, map[string]RouteLimit{
		"api": {Capacity: 100, Window: time.Minute},
	})
	respCache := NewResponseCache(store, "sim-state", time.Minute)
	relay := signaling.NewRelay(store, "test-node", zap.NewNop())
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	docs := document.NewService(store, "test-node", 10*time.Millisecond, zap.NewNop())
	return NewRouter(sim, relay, docs, auth, limiter, respCache, zap.NewNop()), store
}

func TestRouter_HealthIsUnauthenticated(t *testing.T) {
	rt, _ := newTestRouter(t, &fakeSimService{})
	srv := httptest.NewServer(rt.Engine())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRouter_V1RouteRejectsMissingToken(t *testing.T) {
	rt, _ := newTestRouter(t, &fakeSimService{})
	srv := httptest.NewServer(rt.Engine())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/simulations/s1/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestRouter_SimulationStateIsCachedAfterFirstRead(t *testing.T) {
	fake := &fakeSimService{state: simulation.Snapshot{SessionID: "s1", State: simulation.StateRunning, FrameIndex: 7}}
	rt, _ := newTestRouter(t, fake)
	srv := httptest.NewServer(rt.Engine())
	defer srv.Close()

	token := signTestToken(t, "user-1", "jti-router", time.Hour)
	req := func() *http.Request {
		r, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/simulations/s1/state", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		return r
	}

	resp1, err := http.DefaultClient.Do(req())
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on first read, got %d", resp1.StatusCode)
	}

	resp2, err := http.DefaultClient.Do(req())
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on second read, got %d", resp2.StatusCode)
	}

	if fake.getCalls != 1 {
		t.Fatalf("expected GetState to be called once (second hit served from cache), got %d calls", fake.getCalls)
	}
}

func TestRouter_RateLimitBlocksOverBudget(t *testing.T) {
	store := substrate.NewMemStore()
	auth := NewAuthenticator(testSigningKey, store, time.Minute, zap.NewNop())
	limiter := NewRateLimiter(store, map[string]RouteLimit{
		"api": {Capacity: 1, Window: time.Minute},
	})
	respCache := NewResponseCache(store, "sim-state", time.Minute)
	relay := signaling.NewRelay(store, "test-node", zap.NewNop())
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("relay start: %v", err)
	}
	docs := document.NewService(store, "test-node", 10*time.Millisecond, zap.NewNop())
	fake := &fakeSimService{state: simulation.Snapshot{SessionID: "s1"}}
	rt := NewRouter(fake, relay, docs, auth, limiter, respCache, zap.NewNop())
	srv := httptest.NewServer(rt.Engine())
	defer srv.Close()

	token := signTestToken(t, "user-1", "jti-limit", time.Hour)
	do := func() *http.Response {
		r, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/simulations/s1/state", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(r)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		return resp
	}

	first := do()
	first.Body.Close()
	second := do()
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once budget is exhausted, got %d", second.StatusCode)
	}
}

func TestRouter_CreateSimulationRejectsMalformedBody(t *testing.T) {
	rt, _ := newTestRouter(t, &fakeSimService{})
	srv := httptest.NewServer(rt.Engine())
	defer srv.Close()

	token := signTestToken(t, "user-1", "jti-create", time.Hour)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/simulations/create", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing required fields, got %d", resp.StatusCode)
	}
}
