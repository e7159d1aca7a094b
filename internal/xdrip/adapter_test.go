package xdrip

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/glucolink/internal/glucose"
)

// scriptedService is a fake xDrip web service whose response can be swapped
// between polls.
type scriptedService struct {
	mu     sync.Mutex
	status int
	body   string
}

func (s *scriptedService) set(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.body = body
}

func (s *scriptedService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != http.StatusOK {
		w.WriteHeader(s.status)
		return
	}
	fmt.Fprint(w, s.body)
}

type AdapterTestSuite struct {
	suite.Suite

	service *scriptedService
	server  *httptest.Server
	adapter *Adapter
	cancel  context.CancelFunc
}

func TestAdapterSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func (suite *AdapterTestSuite) SetupTest() {
	suite.service = &scriptedService{status: http.StatusOK, body: "[]"}
	suite.server = httptest.NewServer(suite.service)

	client := NewClient(suite.server.URL, "", 0, nil)
	suite.adapter = NewAdapter(client, nil, &Options{
		PollInterval: time.Hour, // tests drive polls through Refresh
		QueryCount:   20,
		StreamCap:    16,
	})
}

func (suite *AdapterTestSuite) TearDownTest() {
	if suite.cancel != nil {
		suite.cancel()
		suite.cancel = nil
	}
	suite.adapter.Close()
	suite.server.Close()
}

func (suite *AdapterTestSuite) start() {
	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.Require().NoError(suite.adapter.Start(ctx))
}

// drain collects everything currently buffered on the reading stream.
func (suite *AdapterTestSuite) drain() []glucose.Reading {
	var out []glucose.Reading
	for {
		select {
		case r := <-suite.adapter.Readings():
			out = append(out, r)
		default:
			return out
		}
	}
}

func (suite *AdapterTestSuite) TestInitialPollEmitsChronologically() {
	// Newest first on the wire, chronological on the stream.
	suite.service.set(http.StatusOK, "["+
		sgvRow("3", 130, 3000, "SingleUp")+","+
		sgvRow("2", 124, 2000, "FortyFiveUp")+","+
		sgvRow("1", 120, 1000, "Flat")+"]")

	suite.start()

	readings := suite.drain()
	suite.Require().Len(readings, 3)
	suite.Equal(120.0, readings[0].Value)
	suite.Equal(124.0, readings[1].Value)
	suite.Equal(130.0, readings[2].Value)
	suite.Equal(glucose.SourceExternal, readings[0].Source)
	suite.Equal(glucose.TrendFlat, readings[0].Trend)
	suite.Equal(glucose.TrendSingleUp, readings[2].Trend)
	suite.True(suite.adapter.Connected())
}

func (suite *AdapterTestSuite) TestDeltasAgainstPreviousAcceptedReading() {
	suite.service.set(http.StatusOK, "["+
		sgvRow("2", 126, 2000, "Flat")+","+
		sgvRow("1", 120, 1000, "Flat")+"]")

	suite.start()

	readings := suite.drain()
	suite.Require().Len(readings, 2)
	suite.Equal(0.0, readings[0].Delta) // no prior reading
	suite.Equal(6.0, readings[1].Delta)
}

func (suite *AdapterTestSuite) TestAlreadySeenRowsAreSkipped() {
	suite.service.set(http.StatusOK, "["+sgvRow("1", 120, 1000, "Flat")+"]")
	suite.start()
	suite.Require().Len(suite.drain(), 1)

	// Next poll returns the same row plus one newer.
	suite.service.set(http.StatusOK, "["+
		sgvRow("2", 125, 2000, "Flat")+","+
		sgvRow("1", 120, 1000, "Flat")+"]")
	suite.adapter.Refresh(context.Background())

	readings := suite.drain()
	suite.Require().Len(readings, 1)
	suite.Equal(125.0, readings[0].Value)
	suite.Equal(5.0, readings[0].Delta)
}

func (suite *AdapterTestSuite) TestPermissionFailureSuppressesPolling() {
	suite.service.set(http.StatusUnauthorized, "")
	suite.start()

	suite.False(suite.adapter.Connected())
	suite.True(suite.adapter.suppressed.Load())

	// Refresh clears the suppression and polls immediately.
	suite.service.set(http.StatusOK, "["+sgvRow("1", 120, 1000, "Flat")+"]")
	suite.adapter.Refresh(context.Background())

	suite.False(suite.adapter.suppressed.Load())
	suite.True(suite.adapter.Connected())
	suite.Len(suite.drain(), 1)
}

func (suite *AdapterTestSuite) TestServerErrorDegradesAvailability() {
	suite.service.set(http.StatusOK, "["+sgvRow("1", 120, 1000, "Flat")+"]")
	suite.start()
	suite.True(suite.adapter.Connected())

	suite.service.set(http.StatusInternalServerError, "")
	suite.adapter.Refresh(context.Background())

	suite.False(suite.adapter.Connected())
	// Transport failures never suppress; the next tick would retry.
	suite.False(suite.adapter.suppressed.Load())
}

func (suite *AdapterTestSuite) TestMalformedResponseDegradesAvailability() {
	suite.service.set(http.StatusOK, "not json at all")
	suite.start()

	suite.False(suite.adapter.Connected())
	suite.True(suite.adapter.LastUpdate().IsZero())
}

func (suite *AdapterTestSuite) TestConnectionEventsAreEdgeTriggered() {
	suite.service.set(http.StatusOK, "[]")
	suite.start()

	up := <-suite.adapter.ConnectionEvents()
	suite.True(up)

	// A second successful poll must not emit another event.
	suite.adapter.Refresh(context.Background())
	select {
	case ev := <-suite.adapter.ConnectionEvents():
		suite.Failf("unexpected event", "got %v", ev)
	default:
	}

	suite.service.set(http.StatusInternalServerError, "")
	suite.adapter.Refresh(context.Background())
	up = <-suite.adapter.ConnectionEvents()
	suite.False(up)
}

func (suite *AdapterTestSuite) TestLastUpdateTracksSuccessfulPolls() {
	suite.service.set(http.StatusOK, "[]")
	before := time.Now()
	suite.start()

	last := suite.adapter.LastUpdate()
	suite.False(last.IsZero())
	suite.True(!last.Before(before))
}

func (suite *AdapterTestSuite) TestStartTwiceIsANoOp() {
	suite.service.set(http.StatusOK, "[]")
	suite.start()
	suite.Require().NoError(suite.adapter.Start(context.Background()))
}

func (suite *AdapterTestSuite) TestCloseEndsStreams() {
	suite.service.set(http.StatusOK, "[]")
	suite.start()

	suite.adapter.Close()

	suite.False(suite.adapter.Connected())
	_, ok := <-suite.adapter.Readings()
	suite.False(ok)

	// Idempotent.
	suite.adapter.Close()
}

func (suite *AdapterTestSuite) TestFilteredValuePreferred() {
	// filtered carries the x1000 raw scale; the reading must be scaled down.
	suite.service.set(http.StatusOK,
		`[{"_id":"1","sgv":120,"date":1000,"direction":"Flat","filtered":118500,"unfiltered":119000,"device":"xDrip-Test"}]`)
	suite.start()

	readings := suite.drain()
	suite.Require().Len(readings, 1)
	suite.Equal(118.5, readings[0].Value)
}
