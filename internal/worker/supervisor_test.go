package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/pkg/ledger"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping(ctx context.Context) error {
	return p.err
}

type fakeRegistrar struct {
	mu         sync.Mutex
	registered map[string]string
}

func (r *fakeRegistrar) Register(worker, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered == nil {
		r.registered = make(map[string]string)
	}
	if _, ok := r.registered[worker]; ok {
		return errors.New("already registered")
	}
	r.registered[worker] = kind
	return nil
}

func newTestLoop(t *testing.T, name string, kind Kind) *Loop {
	t.Helper()
	cfg := testLoopConfig()
	cfg.Name = name
	loop, err := NewLoop(cfg, kind, &fakeCoordinator{}, &fakeExchange{}, &fakeGate{}, &fakeSink{}, fixedSource(0.5), zap.NewNop())
	require.NoError(t, err)
	return loop
}

func TestNewSupervisor_Validation(t *testing.T) {
	a := newTestLoop(t, "a", &fakeKind{})
	dup := newTestLoop(t, "a", &fakeKind{})

	_, err := NewSupervisor(&fakePinger{}, &fakeRegistrar{}, []*Loop{a, dup}, time.Second, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate worker name 'a'")

	_, err = NewSupervisor(&fakePinger{}, &fakeRegistrar{}, nil, time.Second, zap.NewNop())
	assert.Error(t, err)

	_, err = NewSupervisor(&fakePinger{}, &fakeRegistrar{}, []*Loop{a}, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestSupervisor_StartAbortsWhenStoreUnreachable(t *testing.T) {
	registrar := &fakeRegistrar{}
	sup, err := NewSupervisor(&fakePinger{err: errors.New("connection refused")}, registrar,
		[]*Loop{newTestLoop(t, "a", &fakeKind{})}, time.Second, zap.NewNop())
	require.NoError(t, err)

	err = sup.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store not accessible")
	assert.Empty(t, registrar.registered)

	// Never started, so stopping is a no-op
	assert.NoError(t, sup.Stop())
}

func TestSupervisor_StartAndStop(t *testing.T) {
	registrar := &fakeRegistrar{}
	loops := []*Loop{newTestLoop(t, "zeta", &fakeKind{}), newTestLoop(t, "alpha", &fakeKind{})}
	sup, err := NewSupervisor(&fakePinger{}, registrar, loops, time.Second, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sup.Start(context.Background()))
	assert.Error(t, sup.Start(context.Background()), "second start must fail")

	assert.Equal(t, map[string]string{"zeta": "performance", "alpha": "performance"}, registrar.registered)

	require.Eventually(t, func() bool {
		for _, h := range sup.Status() {
			if h.CyclesRun == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, sup.Stop())

	status := sup.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "alpha", status[0].Name)
	assert.Equal(t, "zeta", status[1].Name)
	for _, h := range status {
		assert.Equal(t, StateStopped, h.State)
		assert.False(t, h.Abandoned)
		assert.GreaterOrEqual(t, h.CyclesRun, h.ExperimentsRun)
	}
}

func TestSupervisor_StopAbandonsStuckWorker(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	stuck := &fakeKind{
		production: func() (*Result, error) {
			once.Do(func() { close(started) })
			<-release
			return &Result{Metrics: ledger.Metrics{"score": 1}}, nil
		},
	}

	loops := []*Loop{newTestLoop(t, "stuck", stuck), newTestLoop(t, "healthy", &fakeKind{})}
	sup, err := NewSupervisor(&fakePinger{}, &fakeRegistrar{}, loops, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	<-started
	err = sup.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "abandoned 1 worker(s)")
	assert.Contains(t, err.Error(), "stuck")

	byName := make(map[string]WorkerHealth)
	for _, h := range sup.Status() {
		byName[h.Name] = h
	}
	assert.True(t, byName["stuck"].Abandoned)
	assert.False(t, byName["healthy"].Abandoned)
	assert.Equal(t, StateStopped, byName["healthy"].State)

	// Let the abandoned goroutine finish so the leak check passes
	close(release)
	<-sup.done["stuck"]
}
