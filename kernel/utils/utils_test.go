package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulShutdown_ReverseOrderOnce(t *testing.T) {
	g := NewGracefulShutdown(0, NopLogger())

	var order []string
	boom := errors.New("boom")
	g.Register("first", func() error { order = append(order, "first"); return nil })
	g.Register("second", func() error { order = append(order, "second"); return boom })
	g.Register("third", func() error { order = append(order, "third"); return nil })

	err := g.Shutdown(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	// Second call replays the first result without running steps again.
	assert.Equal(t, err, g.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestGracefulShutdown_CancelledContext(t *testing.T) {
	g := NewGracefulShutdown(0, NopLogger())
	ran := false
	g.Register("step", func() error { ran = true; return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, g.Shutdown(ctx), context.Canceled)
	assert.False(t, ran)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"":        INFO,
		"debug":   DEBUG,
		" WARN ":  WARN,
		"warning": WARN,
		"error":   ERROR,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "LEVEL(9)", LogLevel(9).String())
}

func TestErrorHelpers(t *testing.T) {
	err := ResourceError("remove", "mailbox-000", os.ErrNotExist)
	assert.Equal(t, "remove mailbox-000: file does not exist", err.Error())
	assert.True(t, IsAlreadyGone(err))
	assert.False(t, IsAlreadyGone(fmt.Errorf("other")))

	assert.EqualError(t, WrapError(nil, "attach"), "attach")
	assert.ErrorIs(t, WrapError(os.ErrPermission, "attach"), os.ErrPermission)
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "-")
}
