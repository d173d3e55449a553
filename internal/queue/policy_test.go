package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"photopipe/internal/testsupport"
)

func TestPoliciesFromDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	policies := Policies(cfg)

	process := policies[Process]
	assert.Equal(t, 10, process.Concurrency)
	assert.Equal(t, 200, process.RatePerMinute)
	assert.Equal(t, 3, process.Attempts)
	assert.Equal(t, 5*time.Second, process.Delay(1))
	assert.Equal(t, 10*time.Second, process.Delay(2))
	assert.Equal(t, 20*time.Second, process.Delay(3))
	assert.True(t, process.ShouldRetry(1))
	assert.True(t, process.ShouldRetry(2))
	assert.False(t, process.ShouldRetry(3))

	export := policies[Export]
	assert.Equal(t, 5, export.Concurrency)
	assert.Equal(t, 50, export.RatePerMinute)
	assert.Equal(t, 10*time.Second, export.Delay(1))
	assert.Equal(t, 10*time.Second, export.Delay(2))
	assert.True(t, export.ShouldRetry(1))
	assert.False(t, export.ShouldRetry(2))
}

func TestTaskValidate(t *testing.T) {
	assert.NoError(t, Task{Queue: Process, ID: "j1"}.Validate())
	assert.Error(t, Task{Queue: "bogus", ID: "j1"}.Validate())
	assert.Error(t, Task{Queue: Export}.Validate())
}
