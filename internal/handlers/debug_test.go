package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"donation-sync/internal/logging"
	"donation-sync/internal/mocks"
	"donation-sync/internal/telemetry"
)

type sizedLive struct {
	n       int
	loading bool
}

func (s sizedLive) Len() int      { return s.n }
func (s sizedLive) Loading() bool { return s.loading }

type freshIDs []string

func (f freshIDs) Fresh() []string { return f }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, SyncInspector{}, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sync", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugSyncReportsState(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, SyncInspector{
		Partitions: func() []string { return []string{"donations", "messages:d1"} },
		Donations:  sizedLive{n: 3},
		Fresh:      freshIDs{"d9"},
		Viewers:    func() map[string]int { return map[string]int{"conversation": 2, "donations": 5} },
	}, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sync", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Partitions []string `json:"partitions"`
		Donations  struct {
			Count   int  `json:"count"`
			Loading bool `json:"loading"`
		} `json:"donations"`
		Fresh   []string       `json:"fresh"`
		Viewers map[string]int `json:"viewers"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"donations", "messages:d1"}, resp.Partitions)
	assert.Equal(t, 3, resp.Donations.Count)
	assert.Equal(t, []string{"d9"}, resp.Fresh)
	assert.Equal(t, 5, resp.Viewers["donations"])
}

func TestDebugAuditTest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, SyncInspector{}, true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	pub := new(mocks.PublisherMock)
	pub.On("Publish", mock.Anything, "audit.test", mock.Anything).Return(nil).Once()
	r = gin.New()
	RegisterDebugRoutes(r, telemetry.NewAuditEmitter(pub, "audit.test", "donation-sync", "test", logging.Discard()), SyncInspector{}, true)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}
