package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/complyon/compliance-agent-backend/internal/api/rest"
	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	"github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/infrastructure/config"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
)

const testSecret = "stream-test-secret"

func newStreamServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	hub := NewHub(logger)

	srv := rest.NewServer(
		config.ServerConfig{},
		config.SecurityConfig{JWTSecret: testSecret},
		rest.Deps{
			Registry:    registry.New(nil, logger),
			AuditStream: hub,
		},
		logger,
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(hub.Close)
	return hub, ts
}

func dialStream(t *testing.T, ts *httptest.Server, agentID, orgID string, admin bool) *websocket.Conn {
	t.Helper()
	token, err := rest.IssueToken([]byte(testSecret), agentID,
		agent.TypeRiskAssessor, orgID, admin, time.Minute)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audit/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url,
		http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func visibleEvent(t *testing.T, orgID, eventType string) *audit.Event {
	t.Helper()
	event, err := audit.NewEvent(audit.CategoryCompliance, eventType,
		"agent-a", audit.ActorAgent, "report/soc2", "assess")
	require.NoError(t, err)
	return event.WithOrganization(orgID).
		WithOutcome(audit.OutcomeSuccess).
		WithCustomerVisible(true)
}

func waitForSubscribers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) >= n
	}, time.Second, 5*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) *audit.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event audit.Event
	require.NoError(t, conn.ReadJSON(&event))
	return &event
}

func TestStreamDeliversOrgEvents(t *testing.T) {
	hub, ts := newStreamServer(t)
	conn := dialStream(t, ts, "dashboard-1", "org-1", false)
	waitForSubscribers(t, hub, 1)

	hub.Handle(visibleEvent(t, "org-1", "compliance_assessed"))

	got := readEvent(t, conn)
	assert.Equal(t, "compliance_assessed", got.EventType)
	assert.Equal(t, "org-1", got.OrganizationID)
}

func TestStreamIsOrganizationScoped(t *testing.T) {
	hub, ts := newStreamServer(t)
	conn := dialStream(t, ts, "dashboard-1", "org-1", false)
	waitForSubscribers(t, hub, 1)

	hub.Handle(visibleEvent(t, "org-2", "compliance_assessed"))
	hub.Handle(visibleEvent(t, "org-1", "evidence_put"))

	// The org-2 event never reaches this subscriber.
	got := readEvent(t, conn)
	assert.Equal(t, "evidence_put", got.EventType)
}

func TestStreamHidesInternalEventsFromNonAdmins(t *testing.T) {
	hub, ts := newStreamServer(t)
	conn := dialStream(t, ts, "dashboard-1", "org-1", false)
	admin := dialStream(t, ts, "operator-1", "org-1", true)
	waitForSubscribers(t, hub, 2)

	internal, err := audit.NewEvent(audit.CategorySecurity, "access_denied",
		"agent-b", audit.ActorAgent, "context/abc", "read")
	require.NoError(t, err)
	internal.WithOrganization("org-1").WithOutcome(audit.OutcomeBlocked)
	hub.Handle(internal)
	hub.Handle(visibleEvent(t, "org-1", "compliance_assessed"))

	// Admin sees both, in order.
	assert.Equal(t, "access_denied", readEvent(t, admin).EventType)
	assert.Equal(t, "compliance_assessed", readEvent(t, admin).EventType)

	// Non-admin only sees the customer-visible one.
	assert.Equal(t, "compliance_assessed", readEvent(t, conn).EventType)
}

func TestStreamRequiresToken(t *testing.T) {
	_, ts := newStreamServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/audit/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamDropsDisconnectedClients(t *testing.T) {
	hub, ts := newStreamServer(t)
	conn := dialStream(t, ts, "dashboard-1", "org-1", false)
	waitForSubscribers(t, hub, 1)

	conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.clients) == 0
	}, 2*time.Second, 10*time.Millisecond)

	// Publishing after the disconnect must not panic.
	hub.Handle(visibleEvent(t, "org-1", "compliance_assessed"))
}
