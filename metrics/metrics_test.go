package metrics

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cloudfilter "github.com/winfsp/go-cloudfilter"
	"github.com/winfsp/go-cloudfilter/memdriver"
	"github.com/winfsp/go-cloudfilter/rangeset"
)

func TestRecord(t *testing.T) {
	assert := assert.New(t)
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.OperationStarted("FetchData")
	m.OperationStarted("FetchData")
	assert.Equal(2.0, testutil.ToFloat64(m.inFlight.WithLabelValues("FetchData")))
	m.OperationCompleted("FetchData", "succeeded", 3*time.Millisecond)
	m.OperationCompleted("FetchData", "failed", time.Second)
	m.BytesTransferred(4096)
	m.ForcedFailure("FetchData", "drain")
	m.HandlerFault("Rename")

	assert.Equal(0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("FetchData")))
	assert.Equal(1.0, testutil.ToFloat64(m.operations.WithLabelValues("FetchData", "succeeded")))
	assert.Equal(4096.0, testutil.ToFloat64(m.transferred))
	assert.Equal(1.0, testutil.ToFloat64(m.forced.WithLabelValues("FetchData", "drain")))
	assert.Equal(1.0, testutil.ToFloat64(m.faults.WithLabelValues("Rename")))

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP cloudfilter_operations_total Operations completed by notification kind and outcome
# TYPE cloudfilter_operations_total counter
cloudfilter_operations_total{kind="FetchData",outcome="failed"} 1
cloudfilter_operations_total{kind="FetchData",outcome="succeeded"} 1
`), "cloudfilter_operations_total")
	assert.NoError(err)
	assert.Equal(1, testutil.CollectAndCount(m.durations))
}

func TestRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

type denyAll struct{}

func (denyAll) Delete(*cloudfilter.OperationContext, *cloudfilter.DeleteRequest) error {
	return cloudfilter.ErrOperationDenied
}

func TestSession(t *testing.T) {
	assert := assert.New(t)
	reg := prometheus.NewRegistry()
	drv := memdriver.New()
	dir := t.TempDir()
	root, err := cloudfilter.NewRegistrar(drv, nil).
		Register(dir, uuid.New(), "Contoso", "")
	require.NoError(t, err)
	session, err := cloudfilter.Connect(root, denyAll{},
		cloudfilter.WithMetrics(New(reg)))
	require.NoError(t, err)
	defer session.Disconnect()

	drv.AddPlaceholder(filepath.Join(dir, "a"), 10, nil)
	require.NoError(t, drv.Deliver(&cloudfilter.Notification{
		Kind: cloudfilter.NotifyDelete,
		Path: filepath.Join(dir, "a"),
	}))
	require.NoError(t, drv.Deliver(&cloudfilter.Notification{
		Kind:  cloudfilter.NotifyFetchData,
		Path:  filepath.Join(dir, "a"),
		Range: rangeset.Span(0, 10),
	}))

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP cloudfilter_operations_total Operations completed by notification kind and outcome
# TYPE cloudfilter_operations_total counter
cloudfilter_operations_total{kind="Delete",outcome="failed"} 1
cloudfilter_operations_total{kind="FetchData",outcome="failed"} 1
`), "cloudfilter_operations_total")
	assert.NoError(err)
}
