package service

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ordermesh/ordermesh/libs/log"
)

var (
	// ErrAlreadyStarted is returned when somebody tries to start an already
	// running service.
	ErrAlreadyStarted = errors.New("already started")

	// ErrAlreadyStopped is returned when somebody tries to stop an already
	// stopped service.
	ErrAlreadyStopped = errors.New("already stopped")

	// ErrNotStarted is returned when somebody tries to stop a not running
	// service.
	ErrNotStarted = errors.New("not started")
)

// Service defines a service that can be started and stopped.
type Service interface {
	// Start is called to start the service, which should run until the
	// context terminates. If the service is already running, Start must
	// report an error.
	Start(context.Context) error

	// IsRunning returns true if the service is running.
	IsRunning() bool

	// String is a string representation of the service.
	String() string

	// Wait blocks until the service is stopped.
	Wait()
}

// Implementation describes the implementation that BaseService wraps.
type Implementation interface {
	Service

	// OnStart is called by the service's Start method.
	OnStart(context.Context) error

	// OnStop is called when the service stops or its context is canceled.
	OnStop()
}

// BaseService provides a classical-inheritance-style lifecycle for services.
// Embed it, override OnStart/OnStop, and wire it up via NewBaseService.
// In the absence of errors OnStart and OnStop are called at most once, and
// the caller must not invoke Start and Stop concurrently.
type BaseService struct {
	logger  log.Logger
	name    string
	started uint32 // atomic
	stopped uint32 // atomic
	quit    chan struct{}

	impl Implementation
}

// NewBaseService creates a new BaseService.
func NewBaseService(logger log.Logger, name string, impl Implementation) *BaseService {
	return &BaseService{
		logger: logger,
		name:   name,
		quit:   make(chan struct{}),
		impl:   impl,
	}
}

// Start starts the Service and calls its OnStart method. An error is
// returned if the service is already running or was already stopped. The
// service stops when the given context is canceled or Stop is called.
func (bs *BaseService) Start(ctx context.Context) error {
	if atomic.CompareAndSwapUint32(&bs.started, 0, 1) {
		if atomic.LoadUint32(&bs.stopped) == 1 {
			bs.logger.Error("not starting service; already stopped", "service", bs.name)
			atomic.StoreUint32(&bs.started, 0)
			return ErrAlreadyStopped
		}

		bs.logger.Info("starting service", "service", bs.name)

		if err := bs.impl.OnStart(ctx); err != nil {
			atomic.StoreUint32(&bs.started, 0)
			return err
		}

		go func() {
			select {
			case <-bs.quit:
				// someone else explicitly called Stop
				return
			case <-ctx.Done():
				if !bs.impl.IsRunning() {
					return
				}

				if err := bs.Stop(); err != nil {
					bs.logger.Error("error stopping service",
						"service", bs.name,
						"err", err.Error())
				}
			}
		}()

		return nil
	}

	return ErrAlreadyStarted
}

// Stop implements Service by calling OnStop and closing the quit channel. An
// error is returned if the service is already stopped.
func (bs *BaseService) Stop() error {
	if atomic.CompareAndSwapUint32(&bs.stopped, 0, 1) {
		if atomic.LoadUint32(&bs.started) == 0 {
			bs.logger.Error("not stopping service; not started yet", "service", bs.name)
			atomic.StoreUint32(&bs.stopped, 0)
			return ErrNotStarted
		}

		bs.logger.Info("stopping service", "service", bs.name)
		bs.impl.OnStop()
		close(bs.quit)

		return nil
	}

	return ErrAlreadyStopped
}

// IsRunning implements Service.
func (bs *BaseService) IsRunning() bool {
	return atomic.LoadUint32(&bs.started) == 1 && atomic.LoadUint32(&bs.stopped) == 0
}

// Wait blocks until the service is stopped.
func (bs *BaseService) Wait() { <-bs.quit }

// String implements Service.
func (bs *BaseService) String() string { return bs.name }

// Quit returns a channel that closes once the service has been stopped.
func (bs *BaseService) Quit() <-chan struct{} { return bs.quit }
