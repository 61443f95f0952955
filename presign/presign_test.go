package presign

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCachesUntilDeadline(t *testing.T) {
	calls := 0
	p := New(func() (string, error) {
		calls++
		return "url-" + string(rune('0'+calls)), nil
	}, 10*time.Second, 2*time.Second)

	t0 := time.Now()
	cur := t0
	p.now = func() time.Time { return cur }

	url1, err := p.Get(false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// still within the (ttl-skew) window
	cur = t0.Add(5 * time.Second)
	url2, err := p.Get(false)
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, calls)

	// past the deadline: refetch
	cur = t0.Add(9 * time.Second)
	url3, err := p.Get(false)
	require.NoError(t, err)
	assert.NotEqual(t, url1, url3)
	assert.Equal(t, 2, calls)
}

func TestForceAlwaysRefetches(t *testing.T) {
	calls := 0
	p := New(func() (string, error) {
		calls++
		return "url", nil
	}, time.Minute, time.Second)

	_, err := p.Get(false)
	require.NoError(t, err)
	_, err = p.Get(true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestInvalidateForcesRefetch(t *testing.T) {
	calls := 0
	p := New(func() (string, error) {
		calls++
		return "url", nil
	}, time.Minute, time.Second)

	_, err := p.Get(false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	p.Invalidate()

	_, err = p.Get(false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestFetchErrorPropagates(t *testing.T) {
	wantErr := errors.New("boom")
	p := New(func() (string, error) {
		return "", wantErr
	}, time.Minute, time.Second)

	_, err := p.Get(false)
	assert.Equal(t, wantErr, err)
}

func TestSkewExceedingTTLClampsToZero(t *testing.T) {
	calls := 0
	p := New(func() (string, error) {
		calls++
		return "url", nil
	}, time.Second, 5*time.Second)

	t0 := time.Now()
	cur := t0
	p.now = func() time.Time { return cur }

	_, err := p.Get(false)
	require.NoError(t, err)
	// deadline == now (margin clamped to 0), so any later Get refetches
	cur = t0.Add(time.Nanosecond)
	_, err = p.Get(false)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
