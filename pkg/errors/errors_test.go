// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestSessionError(t *testing.T) {
	err := New("acquire", "dev1", "org.app", ErrPortDiscoveryTimeout)
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrPortDiscoveryTimeout)
	assert.Contains(t, err.Error(), "dev1")
	assert.Contains(t, err.Error(), "org.app")

	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "acquire", se.Op)

	assert.NoError(t, New("acquire", "dev1", "", nil))
	assert.Equal(t, "connect device dev1: connect refused",
		New("connect", "dev1", "", ErrConnectRefused).Error())
}

func TestClassifyDialError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ErrConnectTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrConnectTimeout},
		{"refused", errors.New("connection refused"), ErrConnectRefused},
		{"already classified", ErrConnectTimeout, ErrConnectTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyDialError(tc.in)
			assert.ErrorIs(t, got, tc.want)
		})
	}

	assert.NoError(t, ClassifyDialError(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New("acquire", "d", "a", ErrPortDiscoveryTimeout)))
	assert.True(t, IsRetryable(ErrLockTimeout))
	assert.False(t, IsRetryable(ErrDuplicateProxyRequested))
	assert.False(t, IsRetryable(ErrHandshakeDenied))
}
