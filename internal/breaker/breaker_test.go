package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(Options{Threshold: 3, Window: 10 * time.Second, OpenFor: 5 * time.Second})
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow("redis"))
	assert.False(t, b.Failure("redis"))
	assert.False(t, b.Failure("redis"))
	assert.True(t, b.Failure("redis"))
	assert.False(t, b.Allow("redis"))
	assert.True(t, b.Allow("other"))

	now = now.Add(5 * time.Second)
	assert.True(t, b.Allow("redis"))

	b.Success("redis")
	assert.True(t, b.Allow("redis"))
}

func TestBreakerWindowResets(t *testing.T) {
	now := time.Unix(1000, 0)
	b := New(Options{Threshold: 2, Window: time.Second, OpenFor: time.Minute})
	b.now = func() time.Time { return now }

	assert.False(t, b.Failure("k"))
	now = now.Add(2 * time.Second)
	assert.False(t, b.Failure("k"))
	assert.True(t, b.Allow("k"))
	assert.True(t, b.Failure("k"))
	assert.False(t, b.Allow("k"))
}
