package app_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-trigger-relay/internal/app"
)

// blockingService runs until Shutdown is called, like an HTTP server.
type blockingService struct {
	startErr    error
	shutdownErr error
	stopped     chan struct{}
	shutdowns   atomic.Int32
}

func newBlockingService() *blockingService {
	return &blockingService{stopped: make(chan struct{})}
}

func (s *blockingService) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-s.stopped
	return nil
}

func (s *blockingService) Shutdown(ctx context.Context) error {
	if s.shutdowns.Add(1) == 1 {
		close(s.stopped)
	}
	return s.shutdownErr
}

func TestRun(t *testing.T) {
	t.Run("Success - context cancellation shuts the service down", func(t *testing.T) {
		service := newBlockingService()
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() { done <- app.Run(ctx, zerolog.Nop(), service) }()
		cancel()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancellation")
		}
		assert.Equal(t, int32(1), service.shutdowns.Load())
	})

	t.Run("Failure - start error is returned", func(t *testing.T) {
		service := newBlockingService()
		service.startErr = errors.New("port in use")

		err := app.Run(context.Background(), zerolog.Nop(), service)
		assert.ErrorContains(t, err, "port in use")
		assert.Equal(t, int32(1), service.shutdowns.Load())
	})

	t.Run("Failure - shutdown error is joined", func(t *testing.T) {
		service := newBlockingService()
		service.shutdownErr = errors.New("drain failed")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := app.Run(ctx, zerolog.Nop(), service)
		assert.ErrorContains(t, err, "drain failed")
	})
}
