package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdownRunsHooksInReverse(t *testing.T) {
	g := NewGracefulShutdown(time.Second, NopLogger())

	var order []string
	g.Register("reader", func() error { order = append(order, "reader"); return nil })
	g.Register("writer", func() error { order = append(order, "writer"); return nil })
	g.Register("metrics", func() error { order = append(order, "metrics"); return nil })

	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, []string{"metrics", "writer", "reader"}, order)

	// Hooks run once.
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestGracefulShutdownCollectsErrors(t *testing.T) {
	g := NewGracefulShutdown(time.Second, NopLogger())
	errSync := errors.New("msync failed")

	ran := false
	g.Register("after", func() error { ran = true; return nil })
	g.Register("writer", func() error { return errSync })

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, errSync)
	assert.Contains(t, err.Error(), "writer")
	assert.True(t, ran, "a failing hook must not stop the rest")
}

func TestGracefulShutdownTimeout(t *testing.T) {
	g := NewGracefulShutdown(20*time.Millisecond, NopLogger())
	release := make(chan struct{})
	defer close(release)
	g.Register("stuck", func() error { <-release; return nil })

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutError(t *testing.T) {
	err := TimeoutError("poll")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "poll: operation timed out", err.Error())
}

func TestNewSessionID(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	assert.NotEqual(t, uuid.Nil, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, uuid.Version(4), a.Version())
}
