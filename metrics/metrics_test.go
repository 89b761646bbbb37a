package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeTimeGauges(t *testing.T) {
	degraded := 0.0
	_, m, err := New("test", "127.0.0.1:0",
		func() float64 { return 3 },
		func() float64 { return 7 },
		func() float64 { return degraded })
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.PendingHandshakes))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StoreDegraded))

	// A store falling back to local must show up on the next scrape.
	degraded = 1
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreDegraded))
}

func TestGaugesOptional(t *testing.T) {
	_, m, err := New("test", "127.0.0.1:0", nil, nil, nil)
	require.NoError(t, err)

	assert.Nil(t, m.PendingHandshakes)
	assert.Nil(t, m.SessionsActive)
	assert.Nil(t, m.StoreDegraded)
	assert.NotNil(t, m.HandshakesStarted)
}
