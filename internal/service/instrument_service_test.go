package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"picoammeter-service/internal/config"
	"picoammeter-service/internal/export"
	"picoammeter-service/internal/model"
	"picoammeter-service/internal/observability"
	"picoammeter-service/internal/repository"
	"picoammeter-service/pkg/driver"
)

type fakeAmmeter struct {
	mu       sync.Mutex
	state    model.InstrumentState
	port     string
	read     func() (model.Reading, error)
	zeroGate chan struct{}
	closed   int
}

func (f *fakeAmmeter) Connect(_ context.Context, port string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port == "/dev/wrong" {
		f.state = model.StateDisconnected
		return &model.ConnectError{Port: port, Reason: model.ReasonWrongInstrument}
	}
	f.state, f.port = model.StateConnected, port
	return nil
}

func (f *fakeAmmeter) ReadValue(context.Context) (model.Reading, error) {
	f.mu.Lock()
	read := f.read
	f.mu.Unlock()
	if read == nil {
		return model.Reading{Value: 1e-9}, nil
	}
	return read()
}

func (f *fakeAmmeter) ZeroCorrect(context.Context) error {
	if f.zeroGate != nil {
		<-f.zeroGate
	}
	return nil
}

func (f *fakeAmmeter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.port = model.StateDisconnected, ""
	f.closed++
	return nil
}

func (f *fakeAmmeter) State() model.InstrumentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return model.StateDisconnected
	}
	return f.state
}

func (f *fakeAmmeter) Info() driver.InstrumentInfo {
	state := f.State()
	f.mu.Lock()
	defer f.mu.Unlock()
	return driver.InstrumentInfo{State: state, Port: f.port}
}

func (f *fakeAmmeter) disconnect() {
	f.mu.Lock()
	f.state, f.port = model.StateDisconnected, ""
	f.mu.Unlock()
}

type stubScanner struct{ ports []string }

func (s stubScanner) ListPorts(context.Context) ([]string, error) { return s.ports, nil }
func (s stubScanner) GetScannerType() string                      { return "stub" }

type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
	notify chan model.Event
	holds  map[model.EventType]chan struct{}
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan model.Event, 256)}
}

func (r *eventRecorder) Publish(event model.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	hold := r.holds[event.Type]
	r.mu.Unlock()
	r.notify <- event

	if hold != nil {
		<-hold
	}
}

// hold makes publishers of eventType block until the returned release is
// called. The event is still recorded and delivered to waitFor first.
func (r *eventRecorder) hold(t *testing.T, eventType model.EventType) func() {
	t.Helper()

	gate := make(chan struct{})
	r.mu.Lock()
	if r.holds == nil {
		r.holds = map[model.EventType]chan struct{}{}
	}
	r.holds[eventType] = gate
	r.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func (r *eventRecorder) waitFor(t *testing.T, eventType model.EventType) model.Event {
	t.Helper()
	for {
		select {
		case e := <-r.notify:
			if e.Type == eventType {
				return e
			}
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for event", string(eventType))
		}
	}
}

func (r *eventRecorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type memoryArchive struct {
	mu      sync.Mutex
	records []model.SessionRecord
	samples map[uuid.UUID][]model.Sample
}

func (a *memoryArchive) Save(_ context.Context, rec model.SessionRecord, samples []model.Sample) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.samples == nil {
		a.samples = map[uuid.UUID][]model.Sample{}
	}
	a.records = append(a.records, rec)
	a.samples[rec.ID] = samples
	return nil
}

func (a *memoryArchive) GetByID(_ context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.records {
		if a.records[i].ID == id {
			return &a.records[i], nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (a *memoryArchive) GetSamples(ctx context.Context, id uuid.UUID) ([]model.Sample, error) {
	if _, err := a.GetByID(ctx, id); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.samples[id], nil
}

func (a *memoryArchive) List(context.Context, *repository.SessionFilter) ([]*model.SessionRecord, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*model.SessionRecord, len(a.records))
	for i := range a.records {
		out[i] = &a.records[i]
	}
	return out, len(out), nil
}

func (a *memoryArchive) Delete(context.Context, uuid.UUID) error { return nil }

func (a *memoryArchive) saved() []model.SessionRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.SessionRecord(nil), a.records...)
}

type testEnv struct {
	svc     *InstrumentService
	ammeter *fakeAmmeter
	events  *eventRecorder
	archive *memoryArchive
	clock   *clockwork.FakeClock
	metrics *observability.Metrics
	dir     string
}

func newTestEnv(t *testing.T, withArchive bool) *testEnv {
	t.Helper()

	env := &testEnv{
		ammeter: &fakeAmmeter{},
		events:  newEventRecorder(),
		clock:   clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		dir:     t.TempDir(),
	}

	var archive repository.SessionRepository
	if withArchive {
		env.archive = &memoryArchive{}
		archive = env.archive
	}

	cfg := &config.SamplingConfig{
		Capacity:         3,
		Frequencies:      []float64{0.5, 1, 2},
		DefaultFrequency: 1,
	}
	env.svc = NewInstrumentService(env.ammeter, stubScanner{ports: []string{"/dev/ttyUSB0"}},
		export.NewExporter(env.dir, zap.NewNop()), archive, env.events, env.metrics, cfg, zap.NewNop())
	env.svc.SetClock(env.clock)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = env.svc.Shutdown(ctx)
	})
	return env
}

func (env *testEnv) tick(t *testing.T, period time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	env.clock.Advance(period)
}

func TestConnect_WrongInstrument(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	err := env.svc.Connect(context.Background(), "/dev/wrong")
	var connErr *model.ConnectError
	require.ErrorAs(t, err, &connErr)

	status := env.svc.Status()
	assert.Equal(t, model.StateDisconnected, status.State)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, model.EventInstrumentState, env.events.waitFor(t, model.EventInstrumentState).Type)
}

func TestStartSampling_Preconditions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	_, err := env.svc.StartSampling(1)
	require.ErrorIs(t, err, model.ErrNotConnected)

	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	_, err = env.svc.StartSampling(3)
	require.ErrorIs(t, err, model.ErrInvalidFrequency)

	rec, err := env.svc.StartSampling(0)
	require.NoError(t, err)
	assert.Equal(t, model.Frequency(1), rec.Frequency, "zero selects the default")

	_, err = env.svc.StartSampling(1)
	require.ErrorIs(t, err, model.ErrAlreadySampling)

	require.ErrorIs(t, env.svc.ZeroCorrect(context.Background()), model.ErrBusy)
	require.ErrorIs(t, env.svc.Connect(context.Background(), "/dev/ttyUSB1"), model.ErrBusy)
	require.ErrorIs(t, env.svc.Clear(), model.ErrBusy)
}

func TestStartRejectedWhileZeroCorrecting(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)
	env.ammeter.zeroGate = make(chan struct{})

	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	done := make(chan error, 1)
	go func() { done <- env.svc.ZeroCorrect(context.Background()) }()

	require.Eventually(t, func() bool { return env.svc.Status().ZeroingNow }, 2*time.Second, time.Millisecond)

	_, err := env.svc.StartSampling(1)
	require.ErrorIs(t, err, model.ErrBusy)

	close(env.ammeter.zeroGate)
	require.NoError(t, <-done)
	assert.Equal(t, model.EventZeroCorrectionDone, env.events.waitFor(t, model.EventZeroCorrectionDone).Type)
}

func TestSamplingSession_StopArchivesInOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	rec, err := env.svc.StartSampling(2)
	require.NoError(t, err)

	first := env.events.waitFor(t, model.EventSample)
	assert.Equal(t, 0, first.Data["index"])
	env.tick(t, 500*time.Millisecond)
	second := env.events.waitFor(t, model.EventSample)
	assert.InDelta(t, 0.5, second.Data["elapsed"], 0)

	stopped, err := env.svc.StopSampling(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stopped.ID)
	assert.Equal(t, 2, stopped.SampleCount)
	assert.Equal(t, "stopped", stopped.StopReason)

	types := env.events.types()
	require.GreaterOrEqual(t, len(types), 4)
	assert.Equal(t, []model.EventType{
		model.EventSamplingStarted, model.EventSample, model.EventSample, model.EventSamplingStopped,
	}, types[len(types)-4:])

	saved := env.archive.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)

	_, err = env.svc.StopSampling(context.Background())
	require.ErrorIs(t, err, model.ErrNotSampling)

	assert.InDelta(t, 2.0, testutil.ToFloat64(env.metrics.SamplesAppended), 0)
	assert.InDelta(t, 0.0, testutil.ToFloat64(env.metrics.SamplingActive), 0)
}

func TestSampling_DeviceLostHalts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	var calls int
	env.ammeter.read = func() (model.Reading, error) {
		calls++
		if calls == 1 {
			return model.Reading{Value: 2e-9}, nil
		}
		env.ammeter.disconnect()
		return model.Reading{}, &model.ConnectError{Port: "/dev/ttyUSB0", Reason: model.ReasonDeviceLost}
	}

	_, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)
	env.tick(t, time.Second)

	halted := env.events.waitFor(t, model.EventSamplingHalted)
	assert.Equal(t, "DEVICE_LOST", halted.Data["reason"])

	require.Eventually(t, func() bool { return len(env.archive.saved()) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, "DEVICE_LOST", env.archive.saved()[0].StopReason)

	status := env.svc.Status()
	assert.False(t, status.Sampling)
	assert.Equal(t, model.StateDisconnected, status.State)
	assert.Contains(t, status.LastError, "DEVICE_LOST")
	assert.Equal(t, 1, status.SampleCount)
}

func TestSampling_BufferFullHalts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	_, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)
	for iter := 0; iter < 3; iter++ {
		env.tick(t, time.Second)
	}

	halted := env.events.waitFor(t, model.EventSamplingHalted)
	assert.Equal(t, "buffer_full", halted.Data["reason"])
	assert.Equal(t, 3, env.svc.Status().SampleCount)

	// Export still works after the halt
	result, err := env.svc.Export("full.txt")
	require.NoError(t, err)
	assert.True(t, result.Written)
	assert.Equal(t, 3, result.Samples)
}

func TestSampling_StartWaitsForHaltedSessionArchive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	release := env.events.hold(t, model.EventSamplingHalted)

	halted, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)
	for iter := 0; iter < 3; iter++ {
		env.tick(t, time.Second)
	}

	event := env.events.waitFor(t, model.EventSamplingHalted)
	assert.Equal(t, 3, event.Data["samples"])

	// The halted run is still archiving; its buffer must stay untouched
	status := env.svc.Status()
	assert.False(t, status.Sampling)
	_, err = env.svc.StartSampling(1)
	require.ErrorIs(t, err, model.ErrBusy)
	require.ErrorIs(t, env.svc.Clear(), model.ErrBusy)
	require.ErrorIs(t, env.svc.ZeroCorrect(context.Background()), model.ErrBusy)

	release()

	require.Eventually(t, func() bool { return len(env.archive.saved()) == 1 }, 2*time.Second, time.Millisecond)
	saved := env.archive.saved()[0]
	assert.Equal(t, halted.ID, saved.ID)
	assert.Equal(t, "buffer_full", saved.StopReason)

	samples, err := env.archive.GetSamples(context.Background(), halted.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 3)

	var next model.SessionRecord
	require.Eventually(t, func() bool {
		next, err = env.svc.StartSampling(1)
		return err == nil
	}, 2*time.Second, time.Millisecond)
	assert.NotEqual(t, halted.ID, next.ID)
}

func TestSampling_StartWaitsForStoppedSessionArchive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	rec, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)

	release := env.events.hold(t, model.EventSamplingStopped)

	stopped := make(chan error, 1)
	go func() {
		_, err := env.svc.StopSampling(context.Background())
		stopped <- err
	}()
	env.events.waitFor(t, model.EventSamplingStopped)

	_, err = env.svc.StartSampling(1)
	require.ErrorIs(t, err, model.ErrBusy)
	require.ErrorIs(t, env.svc.Clear(), model.ErrBusy)

	_, err = env.svc.StopSampling(context.Background())
	require.ErrorIs(t, err, model.ErrNotSampling)

	release()
	require.NoError(t, <-stopped)

	saved := env.archive.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, rec.ID, saved[0].ID)
	assert.Equal(t, 1, saved[0].SampleCount)

	_, err = env.svc.StartSampling(1)
	require.NoError(t, err)
}

func TestExportAndClear(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	result, err := env.svc.Export("")
	require.NoError(t, err)
	assert.False(t, result.Written, "nothing recorded since start")

	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))
	_, err = env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)
	_, err = env.svc.StopSampling(context.Background())
	require.NoError(t, err)

	result, err = env.svc.Export("")
	require.NoError(t, err)
	assert.True(t, result.Written)
	_, err = os.Stat(result.Path)
	require.NoError(t, err)

	require.NoError(t, env.svc.Clear())
	result, err = env.svc.Export("after-clear.txt")
	require.NoError(t, err)
	assert.False(t, result.Written)
	assert.InDelta(t, 1.0, testutil.ToFloat64(env.metrics.Exports.WithLabelValues("written")), 0)
}

func TestSamples_Incremental(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	_, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)

	page := env.svc.Samples(0)
	assert.Equal(t, 1, page.Next)
	require.Len(t, page.Samples, 1)

	env.tick(t, time.Second)
	env.events.waitFor(t, model.EventSample)

	page = env.svc.Samples(page.Next)
	assert.Equal(t, 1, page.From)
	assert.Equal(t, 2, page.Next)
	require.Len(t, page.Samples, 1)
	assert.InDelta(t, 1.0, page.Samples[0].Elapsed, 0)

	page = env.svc.Samples(50)
	assert.Equal(t, 2, page.From)
	assert.Empty(t, page.Samples)
}

func TestClose_StopsSampling(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, true)
	require.NoError(t, env.svc.Connect(context.Background(), "/dev/ttyUSB0"))

	_, err := env.svc.StartSampling(1)
	require.NoError(t, err)
	env.events.waitFor(t, model.EventSample)

	require.NoError(t, env.svc.Close(context.Background()))
	assert.False(t, env.svc.Status().Sampling)
	assert.Equal(t, model.StateDisconnected, env.svc.Status().State)
	require.Len(t, env.archive.saved(), 1)
	assert.Equal(t, "instrument closed", env.archive.saved()[0].StopReason)
}

func TestArchiveQueries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	_, _, err := env.svc.Sessions(context.Background(), &repository.SessionFilter{})
	require.ErrorIs(t, err, ErrArchiveDisabled)
	_, err = env.svc.SessionSamples(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrArchiveDisabled)

	archived := newTestEnv(t, true)
	_, err = archived.svc.SessionSamples(context.Background(), uuid.New())
	require.True(t, errors.Is(err, repository.ErrSessionNotFound))
}

func TestListPorts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	ports, err := env.svc.ListPorts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/ttyUSB0"}, ports)

	env.svc.scanner = stubScanner{}
	_, err = env.svc.ListPorts(context.Background())
	require.ErrorIs(t, err, model.ErrNoPorts)
}

func TestFrequencies(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, false)

	opts := env.svc.Frequencies()
	assert.Equal(t, []float64{0.5, 1, 2}, opts.Frequencies)
	assert.InDelta(t, 1.0, opts.Default, 0)
}
