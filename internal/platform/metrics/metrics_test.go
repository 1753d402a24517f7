package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTick(t *testing.T) {
	c := New()

	c.RecordTick(2*time.Millisecond, 2, false, 0)
	c.RecordTick(3*time.Millisecond, 5, true, 12.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.Ticks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReplanCapHits))
	assert.Equal(t, 12.5, testutil.ToFloat64(c.LockedShortfall))
}

func TestRecordEventWriteSplitsErrors(t *testing.T) {
	c := New()

	c.RecordEventWrite(time.Millisecond, nil)
	c.RecordEventWrite(time.Millisecond, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventsWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.EventWriteErrors))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.RecordWSConnection(1)
	a.RecordWSMessage(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.WSConnections))
	assert.Zero(t, testutil.ToFloat64(b.WSConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.WSMessages.WithLabelValues("in")))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New()
	c.RecordTick(time.Millisecond, 1, false, 0)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "nodegrid_ticks_total 1"))
}
