//go:build linux

package main

import (
	"runtime"
	"time"

	"evpoll"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

type eventLoopConfig struct {
	Name         string
	LockOsThread bool
	Timeout      time.Duration
}

// eventLoop drives a backend the way an event core would: dispatch under the
// queue lock, then hand ready descriptors to the handler outside it.
type eventLoop struct {
	name         string
	lockOsThread bool
	timeout      time.Duration
	isRunning    *atomic.Bool
	backend      *evpoll.Backend
	core         *evpoll.ReadyQueue
}

func newEventLoop(config eventLoopConfig, backendConfig evpoll.BackendConfig) (*eventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	core := evpoll.NewReadyQueue()
	backend, err := evpoll.New(backendConfig, core)
	if err != nil {
		log.Error().Msgf("can't open backend: %+v", err)
		return nil, err
	}
	return &eventLoop{
		name:         config.Name,
		lockOsThread: config.LockOsThread,
		timeout:      config.Timeout,
		isRunning:    atomic.NewBool(true),
		backend:      backend,
		core:         core,
	}, nil
}

// start runs until stop. The loop counts as running from construction, so a
// stop issued before start still takes effect.
func (el *eventLoop) start(handler func(evpoll.Ready)) error {
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for el.isRunning.Load() {
		el.core.Lock()
		err := el.backend.Dispatch(el.timeout)
		ready := el.core.Drain()
		el.core.Unlock()
		if err != nil {
			log.Error().Msgf("got error while waiting for events: %+v", err)
			return err
		}
		for _, r := range ready {
			handler(r)
		}
	}
	return nil
}

func (el *eventLoop) stop() {
	el.isRunning.Store(false)
}

func (el *eventLoop) add(fd int, old, events evpoll.Events) error {
	el.core.Lock()
	defer el.core.Unlock()
	return el.backend.Add(fd, old, events)
}

func (el *eventLoop) del(fd int, old, events evpoll.Events) error {
	el.core.Lock()
	defer el.core.Unlock()
	return el.backend.Del(fd, old, events)
}

func (el *eventLoop) close() {
	el.core.Lock()
	defer el.core.Unlock()
	if err := el.backend.Close(); err != nil {
		log.Error().Msgf("got error while closing backend: %+v", err)
	}
}
