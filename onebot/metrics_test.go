package onebot

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetrics_Handler(t *testing.T) {
	m := newMetrics()
	m.XPGranted.WithLabelValues(grantSourceMessage).Add(35)
	m.LevelUps.Inc()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `onebot_xp_granted_total{source="message"} 35`)
	assert.Contains(t, body, "onebot_level_ups_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestMetrics_Separate(t *testing.T) {
	a, b := newMetrics(), newMetrics()
	a.Reconciles.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Reconciles))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Reconciles))
}

func TestMetrics_GinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newMetrics()
	r := gin.New()
	r.Use(m.ginMiddleware())
	r.GET(
		"/guilds/:guild_id", func(c *gin.Context) {
			assert.Equal(t, float64(1), testutil.ToFloat64(m.httpInflight))
			c.Status(http.StatusOK)
		},
	)

	for _, path := range []string{"/guilds/1", "/guilds/2", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, http.NoBody))
	}

	assert.Equal(
		t,
		float64(2),
		testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/guilds/:guild_id", "200")),
	)
	assert.Equal(
		t,
		float64(1),
		testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, metricsUnmatchedPath, "404")),
	)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.httpInflight))
}
