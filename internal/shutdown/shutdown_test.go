package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunsNewestFirst(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	var order []string
	for _, name := range []string{"store", "bus", "pipeline", "monitor"} {
		name := name
		c.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	failed := c.Shutdown(context.Background())
	assert.Empty(t, failed)
	assert.Equal(t, []string{"monitor", "pipeline", "bus", "store"}, order)
}

func TestFailureDoesNotAbortRemainder(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	var order []string
	c.Register("store", func(ctx context.Context) error {
		order = append(order, "store")
		return nil
	})
	c.Register("bus", func(ctx context.Context) error {
		order = append(order, "bus")
		return errors.New("drain timed out")
	})

	failed := c.Shutdown(context.Background())
	assert.Equal(t, []string{"bus"}, failed)
	assert.Equal(t, []string{"bus", "store"}, order)
}

func TestSecondShutdownIsNoop(t *testing.T) {
	c := NewCoordinator(time.Second, nil)
	calls := 0
	c.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Shutdown(context.Background())
	c.Shutdown(context.Background())
	assert.Equal(t, 1, calls)
}
