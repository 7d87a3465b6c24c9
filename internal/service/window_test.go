package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCounterSlides(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newWindowCounter(10*time.Minute, 10)

	for i := 0; i < 3; i++ {
		w.add(base.Add(time.Duration(i) * time.Minute))
	}
	assert.Equal(t, 3, w.count(base.Add(3*time.Minute)))

	// The first event's bucket leaves the window after ten minutes
	assert.Equal(t, 2, w.count(base.Add(10*time.Minute)))
	assert.Equal(t, 0, w.count(base.Add(13*time.Minute)))
}

func TestWindowCounterLongGapClearsEverything(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newWindowCounter(time.Minute, 6)
	for i := 0; i < 5; i++ {
		w.add(base)
	}
	assert.Equal(t, 1, w.add(base.Add(24*time.Hour)))
}

func TestWindowCounterLateEventsCountInNewestBucket(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w := newWindowCounter(time.Minute, 6)
	w.add(base.Add(30 * time.Second))
	assert.Equal(t, 2, w.add(base))
}
