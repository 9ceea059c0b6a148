package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewServiceIDStable(t *testing.T) {
	id := NewServiceID(ServiceWorker)
	assert.True(t, strings.HasPrefix(id, "worker-"))
	assert.Len(t, strings.TrimPrefix(id, "worker-"), 8)
}

func TestCanTransitionMonotonic(t *testing.T) {
	cases := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateCreated, StateInitializing, true},
		{StateInitializing, StateInitialized, true},
		{StateCreated, StateInitialized, false},
		{StateRunning, StateFailed, true},
		{StateFailed, StateRunning, false},
		{StateStopped, StateRunning, false},
		{StateStopping, StateStopped, true},
	}
	for _, c := range cases {
		got := CanTransition(c.from, c.to)
		assert.Equal(t, c.want, got, "from=%s to=%s", c.from, c.to)
	}
}

func TestServiceTypeValid(t *testing.T) {
	assert.True(t, ServiceWorker.Valid())
	assert.False(t, ServiceType("bogus").Valid())
}
