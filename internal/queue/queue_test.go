package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/cmatc13/txrelay/pkg/errors"
)

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage([]byte("envelope"))
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 1, m.Attempt)

	b, err := m.Redelivery().Encode()
	require.NoError(t, err)

	got, err := DecodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, []byte("envelope"), got.Body)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, 1, m.Attempt, "Redelivery must not mutate the receiver")
}

func TestDecodeMessage(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"id":"x","body":"YQ=="}`))
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempt)

	_, err = DecodeMessage([]byte("not json"))
	var domainErr *relayerrors.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, relayerrors.QueueErrSerialization, domainErr.Code)
}

func TestSemaphoreBound(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()
	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Acquire(ctx))
	assert.Equal(t, 2, sem.InUse())

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(blocked), context.DeadlineExceeded)

	sem.Release()
	require.NoError(t, sem.Acquire(ctx))
	assert.Equal(t, 2, sem.InUse())
	assert.Equal(t, 2, sem.Capacity())

	assert.Equal(t, 1, NewSemaphore(0).Capacity())
}

func TestSettlementOnce(t *testing.T) {
	sem := NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))
	s := NewSettlement(sem)

	calls := 0
	boom := errors.New("boom")
	err := s.Settle(func() error {
		calls++
		assert.Equal(t, 1, sem.InUse(), "slot is held while settling")
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, s.Settled())
	assert.Equal(t, 0, sem.InUse())

	assert.ErrorIs(t, s.Settle(func() error { calls++; return nil }), ErrSettled)
	assert.Equal(t, 1, calls)
}
