//go:build !linux

package evpoll

import "time"

const Forever time.Duration = -1

// Backend is unavailable off Linux; New always reports ErrUnsupported so the
// event core can fall back to another backend.
type Backend struct{}

func New(conf BackendConfig, core EventCore) (*Backend, error) {
	return nil, ErrUnsupported
}

func (b *Backend) Method() Method { return Method{Name: "epoll"} }

func (b *Backend) Add(fd int, old, events Events) error { return ErrUnsupported }

func (b *Backend) Del(fd int, old, events Events) error { return ErrUnsupported }

func (b *Backend) Pending() int { return 0 }

func (b *Backend) Stats() Stats { return Stats{} }

func (b *Backend) Dispatch(timeout time.Duration) error { return ErrUnsupported }

func (b *Backend) Close() error { return ErrClosed }
