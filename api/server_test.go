package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"swingtrader/broker"
	"swingtrader/config"
	"swingtrader/market"
	"swingtrader/store"
	"swingtrader/trader"
)

const testSecret = "test-secret"

type ServerSuite struct {
	suite.Suite

	st     *store.Store
	clock  *market.ManualClock
	gw     *broker.PaperGateway
	src    *market.StaticSource
	engine *trader.Engine
	server *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	clock := market.NewManualClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800)))
	st, err := store.NewSQLite(filepath.Join(s.T().TempDir(), "api.db"))
	s.Require().NoError(err)
	st.SetClock(clock.Now)
	s.st = st
	s.clock = clock

	sess, err := market.NewSession("Asia/Kolkata", "09:15", "15:30", "09:15", 30*time.Minute)
	s.Require().NoError(err)
	s.gw = broker.NewPaperGateway(broker.PaperConfig{Cash: 1_000_000, Now: clock.Now})
	s.src = market.NewStaticSource()

	s.engine = trader.NewEngine(trader.Deps{
		Store:   st,
		Broker:  s.gw,
		Lookup:  market.NewStaticLookup("RELIANCE-EQ", "INFY-EQ"),
		Source:  s.src,
		Session: sess,
		Clock:   clock,
	}, trader.EngineConfig{
		Params: trader.Params{
			Strategy: config.Strategy{
				MaxPositions:    5,
				CapitalPerTrade: 100_000,
				RSITop:          30,
				RSIMid:          20,
				RSILow:          10,
				RSIExit:         50,
				DailyReentryCap: 1,
			},
			Exchange: "NSE",
			Product:  "CNC",
		},
	})
	s.server = NewServer(s.engine, 0, testSecret)
}

func (s *ServerSuite) TearDownTest() {
	s.st.Close()
}

func (s *ServerSuite) token() string {
	tok, err := IssueToken(testSecret, "ops", time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *ServerSuite) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) decode(rec *httptest.ResponseRecorder, v interface{}) {
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (s *ServerSuite) TestHealthIsPublic() {
	rec := s.do(http.MethodGet, "/api/health", nil, "")
	s.Equal(http.StatusOK, rec.Code)
	var body map[string]interface{}
	s.decode(rec, &body)
	s.Equal("ok", body["status"])
}

func (s *ServerSuite) TestHealthReportsEngineClock() {
	s.clock.Advance(90 * time.Minute)
	var body map[string]interface{}
	s.decode(s.do(http.MethodGet, "/api/health", nil, ""), &body)
	s.Equal("2026-03-02T06:00:00Z", body["time"])
}

func (s *ServerSuite) TestAuthRequired() {
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/orders", nil, "").Code)

	forged, err := IssueToken("other-secret", "ops", time.Hour)
	s.Require().NoError(err)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/orders", nil, forged).Code)

	expired, err := IssueToken(testSecret, "ops", -time.Minute)
	s.Require().NoError(err)
	s.Equal(http.StatusUnauthorized, s.do(http.MethodGet, "/api/orders", nil, expired).Code)

	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/orders", nil, s.token()).Code)
}

func (s *ServerSuite) TestAuthDisabledWithoutSecret() {
	s.server = NewServer(s.engine, 0, "")
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/positions", nil, "").Code)
}

func (s *ServerSuite) TestEntriesFlow() {
	s.src.Put(&market.Snapshot{Ticker: "RELIANCE.NS", Close: 2500, RSI: 25, EMAShort: 2700, EMALong: 2700, AvgVolume: 1_000_000})

	rec := s.do(http.MethodPost, "/api/entries", gin.H{
		"recommendations": []gin.H{{"ticker": "RELIANCE.NS", "verdict": "buy"}, {"ticker": "INFY.NS", "verdict": "sell"}},
	}, s.token())
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var summary trader.BatchSummary
	s.decode(rec, &summary)
	s.Equal(1, summary.Placed)
	s.Equal(1, summary.Skipped)
	s.Require().NotZero(summary.Attempts[0].OrderID)

	var orders struct {
		Orders []store.Order `json:"orders"`
	}
	s.decode(s.do(http.MethodGet, "/api/orders?symbol=RELIANCE", nil, s.token()), &orders)
	s.Require().Len(orders.Orders, 1)
	s.Equal(store.StatusOngoing, orders.Orders[0].Status)
	s.Equal(int64(40), orders.Orders[0].Quantity)

	var history struct {
		History []store.StatusChange `json:"history"`
	}
	rec = s.do(http.MethodGet, fmt.Sprintf("/api/orders/%d/history", summary.Attempts[0].OrderID), nil, s.token())
	s.Require().Equal(http.StatusOK, rec.Code)
	s.decode(rec, &history)
	s.NotEmpty(history.History)

	var attempts struct {
		Attempts []store.Attempt `json:"attempts"`
	}
	s.decode(s.do(http.MethodGet, "/api/attempts", nil, s.token()), &attempts)
	s.Len(attempts.Attempts, 2)

	var tracking struct {
		Entries []store.TrackingEntry `json:"entries"`
	}
	s.decode(s.do(http.MethodGet, "/api/tracking", nil, s.token()), &tracking)
	s.Require().Len(tracking.Entries, 1)
	s.Equal("RELIANCE", tracking.Entries[0].BaseSymbol)
}

func (s *ServerSuite) TestEntriesValidation() {
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/entries", gin.H{}, s.token()).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/entries", gin.H{
		"recommendations": []gin.H{{"verdict": "buy"}},
	}, s.token()).Code)
}

func (s *ServerSuite) TestOrderNotFound() {
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/orders/999", nil, s.token()).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/orders/999/history", nil, s.token()).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/orders/abc", nil, s.token()).Code)
}

func (s *ServerSuite) TestReconcileReportsBrokerOutage() {
	s.src.Put(&market.Snapshot{Ticker: "RELIANCE.NS", Close: 2500, RSI: 25, EMAShort: 2700, AvgVolume: 1_000_000})
	_, err := s.engine.RunEntries(context.Background(), []trader.Recommendation{{Ticker: "RELIANCE.NS", Verdict: "buy"}})
	s.Require().NoError(err)

	s.gw.SetHoldingsError(errors.New("gateway timeout"))
	s.Equal(http.StatusServiceUnavailable, s.do(http.MethodPost, "/api/reconcile/run", nil, s.token()).Code)

	s.gw.SetHoldingsError(nil)
	rec := s.do(http.MethodPost, "/api/reconcile/run", nil, s.token())
	s.Require().Equal(http.StatusOK, rec.Code)
	var report trader.ReconcileReport
	s.decode(rec, &report)
	s.Equal(1, report.Checked)
}

func (s *ServerSuite) TestRunEndpoints() {
	for _, path := range []string{"/api/retries/run", "/api/reentry/run", "/api/verifier/run"} {
		rec := s.do(http.MethodPost, path, nil, s.token())
		s.Equal(http.StatusOK, rec.Code, path+": "+rec.Body.String())
	}
}

func (s *ServerSuite) TestConfigAndMetrics() {
	var cfg map[string]interface{}
	s.decode(s.do(http.MethodGet, "/api/config", nil, s.token()), &cfg)
	s.EqualValues(5, cfg["max_positions"])
	s.Equal("CNC", cfg["product"])

	rec := s.do(http.MethodGet, "/metrics", nil, "")
	s.Equal(http.StatusOK, rec.Code)
	s.Contains(rec.Body.String(), "swingtrader_open_positions")
}

func TestValidateTokenRoundTrip(t *testing.T) {
	tok, err := IssueToken("k", "alice", time.Minute)
	require.NoError(t, err)
	claims, err := ValidateToken("k", tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	_, err = IssueToken("", "alice", time.Minute)
	assert.Error(t, err)
}
