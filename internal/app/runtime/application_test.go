package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/fabblink/internal/config"
	"github.com/R3E-Network/fabblink/pkg/logger"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server:     config.ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second},
		Database:   config.DatabaseConfig{Driver: "memory"},
		Chain:      config.ChainConfig{HubAccount: "fabblink.hub"},
		Auth:       config.AuthConfig{JWTSecret: "runtime-test"},
		Settlement: config.SettlementConfig{Mode: config.SettlementMemory},
		Reconcile:  config.ReconcileConfig{Schedule: "off"},
	}
}

func TestNewApplicationWithMemoryDefaults(t *testing.T) {
	application, err := NewApplication(memoryConfig(), logger.NewNop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, application.Hub().Orders)
}

func TestRunAndShutdown(t *testing.T) {
	application, err := NewApplication(memoryConfig(), logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.NoError(t, application.Shutdown(context.Background()))
}

func TestSettlementModes(t *testing.T) {
	cfg := memoryConfig()
	cfg.Settlement = config.SettlementConfig{Mode: config.SettlementHTTP, URL: "http://payouts.invalid", Path: "/payouts"}
	_, err := NewApplication(cfg, logger.NewNop())
	require.NoError(t, err)

	cfg = memoryConfig()
	cfg.Settlement.Mode = config.SettlementNeo
	_, err = NewApplication(cfg, logger.NewNop())
	assert.Error(t, err)
}

func TestNilConfigRejected(t *testing.T) {
	_, err := NewApplication(nil, nil)
	assert.Error(t, err)
}
