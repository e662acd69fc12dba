package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordReplicated(t *testing.T) {
	replicatedEntriesTotal.Reset()

	RecordReplicated("thought", "delete")
	RecordReplicated("thought", "delete")
	RecordReplicated("lexeme", "update")

	assert.Equal(t, 2.0, testutil.ToFloat64(replicatedEntriesTotal.WithLabelValues("thought", "delete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(replicatedEntriesTotal.WithLabelValues("lexeme", "update")))
}

func TestRecordStoreWrite(t *testing.T) {
	storeWritesTotal.Reset()

	RecordStoreWrite(nil)
	RecordStoreWrite(errors.New("disk full"))
	RecordStoreWrite(errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(storeWritesTotal.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(storeWritesTotal.WithLabelValues("failed")))
}

func TestGauges(t *testing.T) {
	before := testutil.ToFloat64(runningTasks)
	TaskStarted()
	TaskStarted()
	TaskFinished()
	assert.Equal(t, before+1, testutil.ToFloat64(runningTasks))
	TaskFinished()

	before = testutil.ToFloat64(openConnections)
	ConnectionOpened()
	assert.Equal(t, before+1, testutil.ToFloat64(openConnections))
	ConnectionClosed()
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(authRejectionsTotal)
	RecordAuthRejection()
	assert.Equal(t, before+1, testutil.ToFloat64(authRejectionsTotal))

	before = testutil.ToFloat64(queueFailuresTotal)
	RecordQueueFailure()
	assert.Equal(t, before+1, testutil.ToFloat64(queueFailuresTotal))

	cursorWritesTotal.Reset()
	RecordCursorWrite(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(cursorWritesTotal.WithLabelValues("success")))
}
