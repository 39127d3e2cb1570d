//go:build !sd

package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"kontextworker/imaging"
)

const stubBackend = "stub"

const linkedBackend = stubBackend

// stubEngine is linked when the binary is built without the sd tag.
type stubEngine struct {
	opts     LoadOptions
	closed   atomic.Bool
	releases atomic.Int64
}

func loadImpl(opts LoadOptions) (Engine, error) {
	return &stubEngine{opts: opts}, nil
}

func (e *stubEngine) Generate(ctx context.Context, p Params) (*imaging.Buffer, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateParams(p); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: rebuild with CGO and the 'sd' tag to enable generation", ErrBackendUnavailable)
}

func (e *stubEngine) ReleaseTransient() {
	e.releases.Add(1)
}

func (e *stubEngine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *stubEngine) Backend() string {
	return stubBackend
}
