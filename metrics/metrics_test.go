package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ProcessStartsTotal.WithLabelValues("ok"))
	IncProcessStart("ok")
	IncProcessStart("ok")
	assert.Equal(t, before+2, testutil.ToFloat64(ProcessStartsTotal.WithLabelValues("ok")))

	before = testutil.ToFloat64(ProcessTerminateTotal.WithLabelValues("SIGKILL"))
	IncTerminate("SIGKILL")
	assert.Equal(t, before+1, testutil.ToFloat64(ProcessTerminateTotal.WithLabelValues("SIGKILL")))

	before = testutil.ToFloat64(SubmitTotal.WithLabelValues("precondition_failed"))
	IncSubmit("precondition_failed")
	assert.Equal(t, before+1, testutil.ToFloat64(SubmitTotal.WithLabelValues("precondition_failed")))
}

func TestGauges(t *testing.T) {
	before := testutil.ToFloat64(QueuedItems)
	QueuedItems.Add(3)
	QueuedItems.Sub(1)
	assert.Equal(t, before+2, testutil.ToFloat64(QueuedItems))
}
