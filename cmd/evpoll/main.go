//go:build linux

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"evpoll"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var (
	configFilePath = flag.String("c", "", "path to configuration file (.toml or .yaml).")
	rounds         = flag.Int("n", 16, "number of pipe writes to wait for.")
	interval       = flag.Duration("i", 10*time.Millisecond, "delay between pipe writes.")
)

func initLog(global evpoll.Global) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if global.LogLevel != "" {
		parsed, err := zerolog.ParseLevel(global.LogLevel)
		if err != nil {
			log.Warn().Msgf("unknown log level %q, using info", global.LogLevel)
		} else {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

func loadConfig() *evpoll.Config {
	if *configFilePath == "" {
		return &evpoll.Config{Backend: evpoll.DefaultBackendConfig()}
	}
	config, err := evpoll.LoadConfig(*configFilePath)
	if err != nil {
		log.Fatal().Msgf("can't load config: %+v", err)
	}
	return config
}

func main() {
	flag.Parse()
	config := loadConfig()
	initLog(config.Global)

	if _, err := evpoll.RaiseOpenFilesLimit(4096); err != nil {
		log.Warn().Msgf("keeping current open files limit: %v", err)
	}

	if err := run(config.Backend); err != nil {
		if errors.Is(err, evpoll.ErrUnsupported) {
			log.Error().Msg("epoll is not available on this kernel")
		}
		log.Error().Msgf("probe failed: %+v", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so that deferred cleanup always happens.
func run(backendConfig evpoll.BackendConfig) error {
	loop, err := newEventLoop(eventLoopConfig{
		Name:         "probe",
		LockOsThread: true,
		Timeout:      100 * time.Millisecond,
	}, backendConfig)
	if err != nil {
		return err
	}
	defer loop.close()
	log.Info().Msgf("using %s", loop.backend.Method().Name)

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return os.NewSyscallError("pipe2", err)
	}
	defer unix.Close(pipe[0])
	defer unix.Close(pipe[1])

	if err := loop.add(pipe[0], 0, evpoll.EvRead|evpoll.EvET); err != nil {
		return fmt.Errorf("can't watch pipe: %w", err)
	}

	received := 0
	buf := make([]byte, 64)
	handler := func(r evpoll.Ready) {
		if r.Fd != pipe[0] {
			return
		}
		for {
			n, err := unix.Read(r.Fd, buf)
			if n > 0 {
				received += n
			}
			if err != nil || n == 0 {
				break
			}
		}
		log.Info().Msgf("fd %d ready: %s, received %d/%d", r.Fd, r.Events, received, *rounds)
		if received >= *rounds {
			loop.stop()
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		return loop.start(handler)
	})
	g.Go(func() error {
		for i := 0; i < *rounds; i++ {
			if _, err := unix.Write(pipe[1], []byte{'x'}); err != nil {
				// Nothing more will arrive, so the loop must not keep waiting.
				loop.stop()
				return os.NewSyscallError("write", err)
			}
			time.Sleep(*interval)
		}
		return nil
	})
	waitErr := g.Wait()

	if err := loop.del(pipe[0], evpoll.EvRead, evpoll.EvRead|evpoll.EvET); err != nil {
		log.Error().Msgf("can't unwatch pipe: %+v", err)
	}
	log.Info().Msgf("stats: %+v", loop.backend.Stats())
	return waitErr
}
