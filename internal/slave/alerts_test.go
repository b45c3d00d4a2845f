package slave

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlertQueueNeverBlocks(t *testing.T) {
	q := newAlertQueue(3)
	for i := 0; i < 10; i++ {
		q.push(newAlert(fmt.Sprint(i), "", "m", SeverityWarning))
	}
	assert.EqualValues(t, 7, q.dropped.Load())
	require.Len(t, q.ch, 3)
	for _, want := range []string{"7", "8", "9"} {
		assert.Equal(t, want, (<-q.ch).SceneName)
	}
}

func TestNewAlert(t *testing.T) {
	a := newAlert("Main", "Logo", "failed", SeverityError)
	b := newAlert("Main", "Logo", "failed", SeverityError)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, SeverityError, a.Severity)
}

func TestAlertLog(t *testing.T) {
	log := NewAlertLog(2)
	first := newAlert("A", "", "m", SeverityWarning)
	second := newAlert("B", "", "m", SeverityWarning)
	third := newAlert("C", "", "m", SeverityError)
	log.Add(first)
	log.Add(second)
	log.Add(third)

	got := log.List()
	require.Len(t, got, 2)
	assert.Equal(t, "C", got[0].SceneName)
	assert.Equal(t, "B", got[1].SceneName)

	assert.False(t, log.Remove(first.ID))
	assert.True(t, log.Remove(second.ID))
	assert.Equal(t, 1, log.Len())

	log.Clear()
	assert.Empty(t, log.List())
}
