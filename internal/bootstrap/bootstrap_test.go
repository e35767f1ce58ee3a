package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docdb-driver/drc/internal/config"
	"github.com/docdb-driver/drc/internal/eventbus"
	"github.com/docdb-driver/drc/internal/logging"
	"github.com/docdb-driver/drc/internal/models"
	"github.com/docdb-driver/drc/internal/pipeline"
	"github.com/docdb-driver/drc/internal/request"
	"github.com/docdb-driver/drc/internal/topology"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	cfg.Client.GlobalEndpoint = "https://acct.documents.example.com:443"
	cfg.Client.PreferredRegions = []string{"East US", "West Europe"}
	cfg.Topology.Collections = []string{"orders"}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.GRPCPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Logging.Level = "error"
	return cfg
}

func TestClientLifecycle(t *testing.T) {
	client := New()
	ctx := context.Background()

	if err := client.InitializeWithConfig(ctx, testConfig(t)); err != nil {
		t.Fatalf("Failed to initialize client: %v", err)
	}

	if client.Logger == nil || client.Telemetry == nil || client.Cache == nil || client.Executor == nil {
		t.Fatal("Expected every component to be initialized")
	}
	if client.Server == nil {
		t.Fatal("Expected diagnostics server to be initialized")
	}
	if client.Chain.Len() != 2 {
		t.Errorf("Expected topology and throttle policies, got %d", client.Chain.Len())
	}
	if client.Ready() {
		t.Error("Expected client not to be ready before start")
	}

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	defer client.Stop(ctx)

	if !client.Ready() {
		t.Error("Expected client to be ready after start")
	}
	if v := client.Cache.Version("orders"); v != 1 {
		t.Errorf("Expected primed routing map version 1, got %d", v)
	}

	targets := client.Executor.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "https://acct-east-us.documents.example.com:443", targets[0].URL)

	req := request.New("orders", "read", "customer-42")
	resp, err := client.Executor.Execute(ctx, req, func(ctx context.Context, r *request.Request) (*pipeline.Response, error) {
		return &pipeline.Response{
			StatusCode: http.StatusOK,
			Headers:    map[string]string{request.HeaderSessionToken: r.ResolvedRangeID + ":12"},
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	store, ok := client.Sessions.Lookup("orders")
	require.True(t, ok)
	tok, ok := store.Token(req.ResolvedRangeID)
	require.True(t, ok)
	assert.Equal(t, uint64(12), tok.Seq())

	base := "http://" + client.Server.Addr("http").String()

	res, err := http.Get(base + "/topology/orders")
	require.NoError(t, err)
	var topo struct {
		Version uint64 `json:"version"`
		Ranges  []any  `json:"ranges"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&topo))
	res.Body.Close()
	assert.Equal(t, uint64(1), topo.Version)
	assert.Len(t, topo.Ranges, DemoRanges)

	res, err = http.Get(base + "/ready")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get("http://" + client.Server.Addr("metrics").String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Contains(t, string(body), "drc_requests_total")
	assert.Contains(t, string(body), "drc_topology_refreshes_total")

	if err := client.Stop(ctx); err != nil {
		t.Fatalf("Failed to stop client: %v", err)
	}
	if client.Ready() {
		t.Error("Expected client not to be ready after stop")
	}
}

func TestClientWithConfigFile(t *testing.T) {
	configContent := `
client:
  global_endpoint: https://acct.documents.example.com
  consistency_level: eventual
server:
  enabled: false
logging:
  level: debug
  format: console
telemetry:
  enabled: false
retry:
  throttle_max_retries: 0
`
	path := filepath.Join(t.TempDir(), "drc.yaml")
	if err := os.WriteFile(path, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	client := New()
	ctx := context.Background()

	if err := client.Initialize(ctx, path); err != nil {
		t.Fatalf("Failed to initialize client with config file: %v", err)
	}

	if client.Config.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", client.Config.Logging.Level)
	}
	if client.Config.Telemetry.Enabled {
		t.Error("Expected telemetry to be disabled")
	}
	if client.Server != nil {
		t.Error("Expected no diagnostics server")
	}
	if client.Chain.Len() != 1 {
		t.Errorf("Expected only the topology policy, got %d", client.Chain.Len())
	}
	if client.Config.SessionConsistency() {
		t.Error("Expected no session tracking for eventual consistency")
	}

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	if err := client.Stop(ctx); err != nil {
		t.Errorf("Failed to stop client: %v", err)
	}
}

func TestClientWithEnvironmentVariables(t *testing.T) {
	t.Setenv("DRC_CLIENT_GLOBAL_ENDPOINT", "https://acct.documents.example.com")
	t.Setenv("DRC_SERVER_ENABLED", "false")
	t.Setenv("DRC_LOGGING_LEVEL", "error")
	t.Setenv("DRC_TELEMETRY_ENABLED", "false")

	client := New()
	if err := client.Initialize(context.Background(), ""); err != nil {
		t.Fatalf("Failed to initialize client: %v", err)
	}

	if client.Config.Logging.Level != "error" {
		t.Errorf("Expected log level error from env var, got %s", client.Config.Logging.Level)
	}
	if client.Config.Server.Enabled {
		t.Error("Expected server to be disabled from env var")
	}
}

func TestClientInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Client.GlobalEndpoint = "https://localhost"

	client := New()
	if err := client.InitializeWithConfig(context.Background(), cfg); err == nil {
		t.Fatal("Expected initialization to fail for an endpoint without account label")
	}
	if err := client.Start(context.Background()); err == nil {
		t.Error("Expected start to fail when not initialized")
	}
}

func TestClientPrimeFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.Topology.Collections = []string{"missing"}

	// The source knows no collections at all.
	client := New(WithRangeSource(topology.NewStaticSource()))
	ctx := context.Background()
	require.NoError(t, client.InitializeWithConfig(ctx, cfg))

	assert.Error(t, client.Start(ctx))
	assert.False(t, client.Ready())
	assert.NoError(t, client.Stop(ctx))
}

func TestClientStopWithoutStart(t *testing.T) {
	client := New()
	ctx := context.Background()

	if err := client.InitializeWithConfig(ctx, testConfig(t)); err != nil {
		t.Fatalf("Failed to initialize client: %v", err)
	}

	if err := client.Stop(ctx); err != nil {
		t.Errorf("Stop should not fail even without start: %v", err)
	}
}

func TestClientStopWithoutInitialize(t *testing.T) {
	client := New()

	if err := client.Stop(context.Background()); err != nil {
		t.Errorf("Stop should not fail even without initialize: %v", err)
	}
}

func TestClientTopologyNotifications(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	go ns.Start()
	defer ns.Shutdown()
	require.True(t, ns.ReadyForConnections(10*time.Second), "NATS server not ready")

	src := topology.NewStaticSource()
	src.SetRanges("orders", topology.UniformRanges(2)...)

	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.EventBus.Enabled = true
	cfg.EventBus.NATS.URL = ns.ClientURL()
	cfg.EventBus.NATS.MaxBytes = 1024 * 1024

	client := New(WithRangeSource(src))
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	require.NoError(t, client.InitializeWithConfig(ctx, cfg))
	require.NoError(t, client.Start(ctx))
	defer client.Stop(context.Background())
	require.NotNil(t, client.Bus)
	time.Sleep(100 * time.Millisecond)

	left, right, err := src.Split("orders", "0", models.MaxHash/4)
	require.NoError(t, err)
	require.NoError(t, eventbus.PublishTopologyChange(ctx, client.Bus, "service", &models.TopologyChange{
		Collection: "orders",
		Kind:       models.ChangeKindSplit,
		RangeIDs:   []string{"0"},
		Successors: []string{left, right},
	}))

	require.Eventually(t, func() bool {
		return client.Cache.Version("orders") == 2
	}, 5*time.Second, 20*time.Millisecond)

	view, ok := client.Cache.Snapshot("orders")
	require.True(t, ok)
	assert.True(t, view.Map.IsGone("0"))
	assert.Equal(t, 3, view.Map.Len())
}

func TestClientsLeaveGlobalLoggerAlone(t *testing.T) {
	global := logging.GetLogger()

	var wg sync.WaitGroup
	clients := make([]*Client, 4)
	for i := range clients {
		cfg := testConfig(t)
		cfg.Server.Enabled = false
		clients[i] = New()
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			assert.NoError(t, c.InitializeWithConfig(context.Background(), cfg))
		}(clients[i])
	}
	wg.Wait()

	assert.True(t, global == logging.GetLogger(), "client initialization replaced the global logger")
	for _, c := range clients {
		assert.NotNil(t, c.Logger)
		assert.NoError(t, c.Stop(context.Background()))
	}
}

func TestClientWithLogger(t *testing.T) {
	logger := logging.NewNop()
	cfg := testConfig(t)
	cfg.Server.Enabled = false

	client := New(WithLogger(logger))
	require.NoError(t, client.InitializeWithConfig(context.Background(), cfg))
	assert.True(t, logger == client.Logger)
	assert.NoError(t, client.Stop(context.Background()))
}
