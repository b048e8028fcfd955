package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"warimas-backoffice/internal/config"
	"warimas-backoffice/internal/logger"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func memoryConfig() *config.Config {
	return &config.Config{
		AppEnv:            "test",
		AppPort:           "0",
		ServiceVersion:    "test",
		StorageDriver:     config.DriverMemory,
		JWTSecret:         "secret",
		ReconcileSchedule: "@every 1h",
	}
}

func TestBuildApp_Memory(t *testing.T) {
	defer logger.Replace(zap.NewNop())()

	a, err := buildApp(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer a.close(context.Background())

	require.NotNil(t, a.cron)
	assert.Len(t, a.background, 1, "only the limiter cleanup runs without kafka")

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuildApp_KafkaAddsIntakeConsumer(t *testing.T) {
	defer logger.Replace(zap.NewNop())()

	cfg := memoryConfig()
	cfg.KafkaBrokers = []string{"127.0.0.1:1"}
	cfg.KafkaTopicDispatch = "order.dispatched"
	cfg.KafkaTopicGroupFinished = "delivery_group.finished"
	cfg.KafkaTopicOrderIntake = "order.created"
	cfg.KafkaConsumerGroup = "test"

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close(context.Background())

	assert.Len(t, a.background, 2)
}

func TestBuildApp_BadSchedule(t *testing.T) {
	defer logger.Replace(zap.NewNop())()

	cfg := memoryConfig()
	cfg.ReconcileSchedule = "every now and then"

	_, err := buildApp(context.Background(), cfg)
	assert.ErrorContains(t, err, "schedule reconcile job")
}

func TestNewStores(t *testing.T) {
	t.Run("Unknown driver", func(t *testing.T) {
		cfg := memoryConfig()
		cfg.StorageDriver = "sqlite"
		_, err := newStores(cfg, &app{})
		assert.Error(t, err)
	})

	t.Run("Postgres", func(t *testing.T) {
		database, _, err := sqlmock.New()
		require.NoError(t, err)
		defer database.Close()

		st := postgresStores(database)
		assert.NotNil(t, st.orders)
		assert.NotNil(t, st.groups)
		assert.NotNil(t, st.authz)
		assert.NotNil(t, st.agents)
	})
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.JWTSecret = ""

	err := run(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid config")
}

func TestServe_GracefulShutdown(t *testing.T) {
	defer logger.Replace(zap.NewNop())()

	a, err := buildApp(context.Background(), memoryConfig())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, a, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
