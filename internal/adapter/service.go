package adapter

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
	"github.com/cmatc13/txrelay/pkg/service"
)

const healthTimeout = 2 * time.Second

// Service runs an Adapter under the service registry.
type Service struct {
	adapter *Adapter

	mu     sync.RWMutex
	status service.Status
}

// NewService wraps a.
func NewService(a *Adapter) *Service {
	return &Service{adapter: a, status: service.StatusStopped}
}

// Name implements service.Service.
func (s *Service) Name() string {
	return "relay-adapter"
}

// Start implements service.Service.
func (s *Service) Start(ctx context.Context) error {
	s.setStatus(service.StatusStarting)
	if err := s.adapter.Start(ctx); err != nil {
		s.setStatus(service.StatusError)
		return err
	}
	s.setStatus(service.StatusRunning)
	return nil
}

// Stop implements service.Service.
func (s *Service) Stop(ctx context.Context) error {
	s.setStatus(service.StatusStopping)
	err := s.adapter.Stop(ctx)
	s.setStatus(service.StatusStopped)
	return err
}

// Status implements service.Service.
func (s *Service) Status() service.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == service.StatusRunning && !s.adapter.Running() {
		return service.StatusError
	}
	return s.status
}

// Health implements service.Service.
func (s *Service) Health() error {
	if st := s.Status(); st != service.StatusRunning {
		return relayerrors.Wrapf(relayerrors.ErrUnavailable, "relay adapter is %s", st)
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	return s.adapter.Ping(ctx)
}

// Dependencies implements service.Service.
func (s *Service) Dependencies() []string {
	return nil
}

func (s *Service) setStatus(st service.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

var _ service.Service = (*Service)(nil)
