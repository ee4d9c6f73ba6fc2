package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/export"
	"picoammeter-service/internal/model"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/service"
	"picoammeter-service/pkg/driver"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// benchAmmeter accepts any port except /dev/wrong and always reads 1 nA
type benchAmmeter struct {
	mu    sync.Mutex
	state model.InstrumentState
	port  string
}

func (b *benchAmmeter) Connect(_ context.Context, port string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if port == "/dev/wrong" {
		return &model.ConnectError{Port: port, Reason: model.ReasonWrongInstrument}
	}
	b.state, b.port = model.StateConnected, port
	return nil
}

func (b *benchAmmeter) ReadValue(context.Context) (model.Reading, error) {
	return model.Reading{Value: 1e-9}, nil
}

func (b *benchAmmeter) ZeroCorrect(context.Context) error { return nil }

func (b *benchAmmeter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state, b.port = model.StateDisconnected, ""
	return nil
}

func (b *benchAmmeter) State() model.InstrumentState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == "" {
		return model.StateDisconnected
	}
	return b.state
}

func (b *benchAmmeter) Info() driver.InstrumentInfo {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return driver.InstrumentInfo{State: state, Port: b.port}
}

type fixedPorts []string

func (p fixedPorts) ListPorts(context.Context) ([]string, error) { return p, nil }
func (p fixedPorts) GetScannerType() string                      { return "fixed" }

type testServer struct {
	router  *gin.Engine
	service *service.InstrumentService
	bus     *EventBus
	clock   *clockwork.FakeClock
}

func newTestServer(t *testing.T, ports ...string) *testServer {
	t.Helper()

	logger := zap.NewNop()
	bus := NewEventBus(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Start(ctx)

	clock := clockwork.NewFakeClock()
	svc := service.NewInstrumentService(
		&benchAmmeter{},
		fixedPorts(ports),
		export.NewExporter(t.TempDir(), logger),
		nil,
		bus,
		observability.NewMetrics(prometheus.NewRegistry()),
		&config.SamplingConfig{Capacity: 10, Frequencies: []float64{1, 2}, DefaultFrequency: 1},
		logger,
	)
	svc.SetClock(clock)

	cfg := &config.Config{App: config.AppConfig{Name: "picoammeter-service", Version: "test"}}

	router := gin.New()
	NewInstrumentHandler(svc, logger).RegisterRoutes(router.Group("/api/v1"))
	NewHealthHandler(nil, svc, bus, cfg, logger).RegisterRoutes(router)
	NewWebSocketHandler(svc, bus, &cfg.Security, logger).RegisterRoutes(router.Group("/ws"))

	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = svc.Shutdown(shutdownCtx)
		cancel()
	})

	return &testServer{router: router, service: svc, bus: bus, clock: clock}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}
