package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

type fakeService struct {
	name     string
	deps     []string
	rec      *recorder
	startErr error
	healthy  bool
	status   Status
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(context.Context) error {
	s.rec.add("start " + s.name)
	if s.startErr != nil {
		return s.startErr
	}
	s.status = StatusRunning
	return nil
}

func (s *fakeService) Stop(context.Context) error {
	s.rec.add("stop " + s.name)
	s.status = StatusStopped
	return nil
}

func (s *fakeService) Status() Status { return s.status }

func (s *fakeService) Health() error {
	if !s.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (s *fakeService) Dependencies() []string { return s.deps }

func TestStartAllInDependencyOrder(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeService{name: "relay-adapter", deps: []string{"health-server"}, rec: rec, healthy: true}))
	require.NoError(t, reg.Register(&fakeService{name: "health-server", rec: rec, healthy: true}))

	require.NoError(t, reg.StartAll(context.Background()))
	require.NoError(t, reg.StopAll(context.Background()))

	assert.Equal(t, []string{
		"start health-server",
		"start relay-adapter",
		"stop relay-adapter",
		"stop health-server",
	}, rec.events)
}

func TestRegisterTwice(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeService{name: "a", rec: &recorder{}}))
	assert.Error(t, reg.Register(&fakeService{name: "a", rec: &recorder{}}))

	_, err := reg.Get("missing")
	assert.Error(t, err)
}

func TestStartFailureStops(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeService{name: "a", rec: rec, startErr: errors.New("boom")}))

	err := reg.StartAll(context.Background())
	assert.ErrorContains(t, err, "failed to start service a")
}

func TestUnhealthyServiceTimesOut(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetHealthTimeout(150 * time.Millisecond)
	require.NoError(t, reg.Register(&fakeService{name: "a", rec: &recorder{}}))

	err := reg.StartAll(context.Background())
	assert.ErrorContains(t, err, "timeout waiting for service a")
}

func TestDependencyCycle(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeService{name: "a", deps: []string{"b"}, rec: &recorder{}}))
	require.NoError(t, reg.Register(&fakeService{name: "b", deps: []string{"a"}, rec: &recorder{}}))

	assert.ErrorContains(t, reg.StartAll(context.Background()), "dependency cycle")
}

func TestHealthCheck(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(&fakeService{name: "up", rec: &recorder{}, healthy: true}))
	require.NoError(t, reg.Register(&fakeService{name: "down", rec: &recorder{}}))

	results := reg.HealthCheck()
	assert.NoError(t, results["up"])
	assert.Error(t, results["down"])
}
