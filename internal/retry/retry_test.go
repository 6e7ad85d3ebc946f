package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBlip = errors.New("blip")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notified []int
	attempts, err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errBlip
		}
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		notified = append(notified, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_Exhausted(t *testing.T) {
	attempts, err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		return errBlip
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBlip)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts, err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		return Permanent(errBlip)
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, errBlip)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_SingleAttemptPolicy(t *testing.T) {
	attempts, err := Policy{}.Do(context.Background(), func(context.Context) error {
		return errBlip
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
