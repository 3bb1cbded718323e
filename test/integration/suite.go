package integration

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/database/postgres"
	"github.com/nova-social/backend/pkg/config"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// IntegrationSuite is the base suite for all integration tests. It waits
// for the /health endpoint of analytics-consumer, realtime-hub and
// notification-worker before running, so a test
// fails fast with a clear message instead of timing out mid-assertion.
type IntegrationSuite struct {
	suite.Suite
	Config *config.Config
	Log    *logger.Logger
	DB     database.DB

	db *postgres.DB

	AnalyticsConsumerURL  string
	RealtimeHubURL        string
	NotificationWorkerURL string
}

// SetupSuite prepares the test environment.
func (s *IntegrationSuite) SetupSuite() {
	var err error

	s.Config, err = config.Load()
	s.Require().NoError(err, "failed to load config")

	s.Log, err = logger.New("integration-test", "debug")
	s.Require().NoError(err, "failed to initialize logger")

	s.db, err = postgres.InitFromConfig(s.Config, s.Log, metrics.New("integration-test"))
	s.Require().NoError(err, "failed to connect to database")
	s.DB = s.db

	s.AnalyticsConsumerURL = envOrDefault("ANALYTICS_CONSUMER_URL", "http://localhost:9101")
	s.RealtimeHubURL = envOrDefault("REALTIME_HUB_URL", "http://localhost:9102")
	s.NotificationWorkerURL = envOrDefault("NOTIFICATION_WORKER_URL", "http://localhost:9103")

	s.waitForServices()
}

// TearDownSuite closes the database connection pool.
func (s *IntegrationSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *IntegrationSuite) waitForServices() {
	services := map[string]string{
		"analytics-consumer":  s.AnalyticsConsumerURL,
		"realtime-hub":        s.RealtimeHubURL,
		"notification-worker": s.NotificationWorkerURL,
	}

	client := http.Client{Timeout: 5 * time.Second}
	for name, url := range services {
		deadline := time.Now().Add(30 * time.Second)
		for {
			resp, err := client.Get(fmt.Sprintf("%s/health", url))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					break
				}
			}
			if time.Now().After(deadline) {
				s.T().Fatalf("service %s not healthy after 30 seconds", name)
			}
			time.Sleep(time.Second)
		}
	}
}

// RunIntegrationTest runs the integration test suite, skipping it in -short
// mode so `go test ./...` stays fast without a live environment.
func RunIntegrationTest(t *testing.T, s suite.TestingSuite) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, s)
}
