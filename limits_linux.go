//go:build linux

package evpoll

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts the soft RLIMIT_NOFILE towards want, bounded by
// the hard limit, and returns the resulting soft limit.
func RaiseOpenFilesLimit(want uint64) (uint64, error) {
	limit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit)
	if err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return 0, err
	}
	if want > limit.Max {
		want = limit.Max
	}
	if want <= limit.Cur {
		return limit.Cur, nil
	}
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: want, Max: limit.Max})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
		return limit.Cur, err
	}
	return want, nil
}
