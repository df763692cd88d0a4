package archive

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct{}

func (fakeBackend) Store(context.Context, string, io.Reader, int64) (*StoreResult, error) {
	return &StoreResult{}, nil
}
func (fakeBackend) Open(context.Context, string) (io.ReadCloser, error) { return nil, nil }
func (fakeBackend) Exists(context.Context, string) (bool, error)        { return false, nil }
func (fakeBackend) List(context.Context, string, int) ([]string, error) { return nil, nil }

func TestNewDispatchesOnBackendName(t *testing.T) {
	Register("fake", func(_ *Config) (Backend, error) {
		return fakeBackend{}, nil
	})

	b, err := New(&Config{Backend: "fake"})
	require.NoError(t, err)
	assert.IsType(t, fakeBackend{}, b)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(&Config{Backend: "tape-drive"})
	assert.Error(t, err)
}
