package ratemeter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordInserts_NoopOnEmptyClientOrNonPositiveN(t *testing.T) {
	m := New()
	m.RecordInserts("", 5)
	m.RecordInserts("clientA", 0)
	m.RecordInserts("clientA", -1)

	assert.Equal(t, 0, m.GetInsertsPerMin("clientA"))
}

func TestRecordInserts_AccumulatesWithinWindow(t *testing.T) {
	m := New()
	m.RecordInserts("clientA", 3)
	m.RecordInserts("clientA", 4)

	assert.Equal(t, 7, m.GetInsertsPerMin("clientA"))
}

func TestGetInsertsSeries_DefaultsPointsToWindowSize(t *testing.T) {
	m := New()
	m.RecordInserts("clientA", 1)

	series := m.GetInsertsSeries("clientA", 0)
	assert.Len(t, series, BucketsInWindow)
}

func TestGetInsertsSeries_ScalesCurrentBucketToPerMinuteEquivalent(t *testing.T) {
	m := New()
	m.RecordInserts("clientA", 1)

	series := m.GetInsertsSeries("clientA", BucketsInWindow)
	assert.Equal(t, 1*(WindowMs/BucketMs), series[len(series)-1])
}

func TestMeter_PerClientLocksDoNotContend(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for _, client := range []string{"clientA", "clientB", "clientC"} {
		client := client
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.RecordInserts(client, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, m.GetInsertsPerMin("clientA"))
	assert.Equal(t, 100, m.GetInsertsPerMin("clientB"))
	assert.Equal(t, 100, m.GetInsertsPerMin("clientC"))
}
