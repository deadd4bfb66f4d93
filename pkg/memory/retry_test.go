// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPolicy returns a policy with sleeping disabled and a fixed jitter of
// 1.0 so delays are deterministic; slept records every requested delay.
func testPolicy(slept *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy(nil)
	p.sleep = func(_ context.Context, d time.Duration) error {
		if slept != nil {
			*slept = append(*slept, d)
		}
		return nil
	}
	p.randFloat = func() float64 { return 1.0 }
	return p
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	p := testPolicy(nil)

	err := p.Do(context.Background(), "storePassage", func() error {
		calls++
		if calls <= 2 {
			return &HTTPStatusError{Status: 429}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	calls := 0
	p := testPolicy(nil)

	err := p.Do(context.Background(), "storePassage", func() error {
		calls++
		return &HTTPStatusError{Status: 429}
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls) // 1 attempt + 3 retries

	var he *HTTPStatusError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 429, he.Status)
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	calls := 0
	p := testPolicy(nil)

	err := p.Do(context.Background(), "createAgent", func() error {
		calls++
		return &HTTPStatusError{Status: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExponentialDelays(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	_ = p.Do(context.Background(), "op", func() error {
		return &HTTPStatusError{Status: 503}
	})

	require.Len(t, slept, 3)
	assert.Equal(t, 500*time.Millisecond, slept[0])
	assert.Equal(t, 1*time.Second, slept[1])
	assert.Equal(t, 2*time.Second, slept[2])
}

func TestRetry_HonorsRetryAfter(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	_ = p.Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &HTTPStatusError{Status: 429, RetryAfter: 5 * time.Second}
		}
		return nil
	})

	require.Len(t, slept, 1)
	assert.Equal(t, 5*time.Second, slept[0])
}

func TestRetry_IgnoresExcessiveRetryAfter(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)

	calls := 0
	_ = p.Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &HTTPStatusError{Status: 429, RetryAfter: 20 * time.Minute}
		}
		return nil
	})

	require.Len(t, slept, 1)
	assert.Equal(t, 500*time.Millisecond, slept[0])
}

func TestRetry_JitterRange(t *testing.T) {
	var slept []time.Duration
	p := testPolicy(&slept)
	p.randFloat = func() float64 { return 0 } // lower bound of jitter

	calls := 0
	_ = p.Do(context.Background(), "op", func() error {
		calls++
		if calls == 1 {
			return &HTTPStatusError{Status: 502}
		}
		return nil
	})

	require.Len(t, slept, 1)
	assert.Equal(t, 250*time.Millisecond, slept[0])
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&HTTPStatusError{Status: 429}))
	assert.True(t, IsTransient(&HTTPStatusError{Status: 500}))
	assert.True(t, IsTransient(&HTTPStatusError{Status: 502}))
	assert.True(t, IsTransient(&HTTPStatusError{Status: 503}))
	assert.False(t, IsTransient(&HTTPStatusError{Status: 400}))
	assert.False(t, IsTransient(&HTTPStatusError{Status: 404}))
	assert.False(t, IsTransient(&HTTPStatusError{Status: 501}))

	assert.True(t, IsTransient(&NetworkError{Kind: NetworkReset}))
	assert.True(t, IsTransient(&NetworkError{Kind: NetworkTimeout}))
	assert.True(t, IsTransient(&NetworkError{Kind: NetworkDNS}))
	assert.False(t, IsTransient(&NetworkError{Kind: NetworkOther}))
	assert.False(t, IsTransient(errors.New("plain error")))
}

func TestClassifyNetworkError(t *testing.T) {
	assert.Equal(t, NetworkReset, classifyNetworkError(syscall.ECONNRESET).Kind)
	assert.Equal(t, NetworkRefused, classifyNetworkError(syscall.ECONNREFUSED).Kind)
	assert.Equal(t, NetworkBrokenPipe, classifyNetworkError(syscall.EPIPE).Kind)
	assert.Equal(t, NetworkTimeout, classifyNetworkError(context.DeadlineExceeded).Kind)
	assert.Equal(t, NetworkOther, classifyNetworkError(errors.New("weird")).Kind)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("garbage"))
}
