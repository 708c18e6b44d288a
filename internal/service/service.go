// Package service implements the run orchestration operations behind the
// HTTP surface: run creation, follow-up messages, live streaming, and
// cooperative stop.
package service

import (
	"github.com/driftlock/conductor/internal/bus"
	"github.com/driftlock/conductor/internal/config"
	"github.com/driftlock/conductor/internal/lease"
	"github.com/driftlock/conductor/internal/store"
	"github.com/driftlock/conductor/internal/stream"
	"github.com/driftlock/conductor/internal/worker"
)

type Service struct {
	store   store.Store
	bus     *bus.Bus
	cancels *lease.CancelSignals
	runner  *worker.Runner
	streams *stream.Coordinator
	config  *config.Config
}

func New(st store.Store, b *bus.Bus, cancels *lease.CancelSignals, runner *worker.Runner, streams *stream.Coordinator, cfg *config.Config) *Service {
	return &Service{
		store:   st,
		bus:     b,
		cancels: cancels,
		runner:  runner,
		streams: streams,
		config:  cfg,
	}
}
