package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pump-control/pcc/internal/pump"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := NewFuture()
	_, ok := f.Result()
	assert.False(t, ok)

	sink := f.Sink()
	sink(pump.Done(true, "first"))
	sink(pump.Failed("second"))

	res, ok := f.Result()
	require.True(t, ok)
	assert.Equal(t, "first", res.Comment())

	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got.Comment())

	select {
	case <-f.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
