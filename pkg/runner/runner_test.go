package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferencelab/harness/pkg/config"
	"github.com/inferencelab/harness/pkg/promptset"
	"github.com/inferencelab/harness/pkg/registry"
)

func testConfig(t *testing.T, gatewayURL string) *config.Config {
	t.Helper()

	return &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{Path: ":memory:"},
		},
		Promptsets: config.PromptsetsConfig{
			Local: &config.LocalSourceConfig{BaseDir: t.TempDir()},
		},
		Engine: config.EngineConfig{
			GatewayURL:         gatewayURL,
			Timeout:            "5s",
			RetryBackoff:       "10ms",
			DefaultConcurrency: 3,
			MaxErrors:          config.DefaultMaxErrors,
		},
		Scoring: config.ScoringConfig{
			Timeout:  "5s",
			Profiles: config.DefaultProfiles(),
		},
	}
}

func writePromptset(
	t *testing.T, baseDir, id string, count int,
) {
	t.Helper()

	var buf bytes.Buffer

	for i := 0; i < count; i++ {
		line, err := json.Marshal(promptset.Prompt{
			PromptID: fmt.Sprintf("p-%03d", i+1),
			Prompt:   fmt.Sprintf("question %d", i+1),
			Category: "general",
		})
		require.NoError(t, err)

		buf.Write(line)
		buf.WriteByte('\n')
	}

	manifest, err := json.Marshal(promptset.Manifest{
		PromptsetID: id,
		PromptCount: count,
		Checksum:    promptset.Checksum(buf.Bytes()),
		Version:     "1.0",
	})
	require.NoError(t, err)

	dir := filepath.Join(baseDir, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, promptset.ManifestFile), manifest, 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, promptset.PromptsFile), buf.Bytes(), 0o644))
}

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestRunner_ExecuteSettles(t *testing.T) {
	t.Parallel()

	gateway := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"output":        "All good here.",
				"model_version": "quant-int8-v2",
				"latency_ms":    8.0,
			})
		}))
	t.Cleanup(gateway.Close)

	cfg := testConfig(t, gateway.URL)
	writePromptset(t, cfg.Promptsets.Local.BaseDir, "canary", 6)

	r := NewRunner(newTestLogger(), cfg, &Params{
		Promptset:   "canary",
		Team:        "quant",
		Variant:     "int8-v2",
		Concurrency: 2,
	})

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	snap, err := r.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, registry.StatusCompleted, snap.Status)
	assert.Equal(t, 6, snap.Total)
	assert.Equal(t, 6, snap.Passed)
	assert.Equal(t, 0, snap.Failed)
	assert.InDelta(t, 1.0, snap.PassRate, 1e-9)
	assert.Equal(t, 2, snap.Concurrency)
}

func TestRunner_ExecuteInterrupted(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32

	release := make(chan struct{})

	gateway := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) > 2 {
				<-release
			}

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"output":     "fast answer",
				"latency_ms": 3.0,
			})
		}))
	t.Cleanup(gateway.Close)
	t.Cleanup(func() { close(release) })

	cfg := testConfig(t, gateway.URL)
	writePromptset(t, cfg.Promptsets.Local.BaseDir, "canary", 10)

	r := NewRunner(newTestLogger(), cfg, &Params{
		Promptset:   "canary",
		Team:        "quant",
		Concurrency: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop() })

	type executeResult struct {
		snap *registry.Snapshot
		err  error
	}

	results := make(chan executeResult, 1)

	go func() {
		snap, err := r.Execute(ctx)
		results <- executeResult{snap: snap, err: err}
	}()

	// Two invocations settle, three park on the release channel. Interrupt
	// once all five are in.
	require.Eventually(t, func() bool {
		return hits.Load() >= 5
	}, 10*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, registry.StatusCompleted, res.snap.Status)
		assert.Equal(t, 2, res.snap.Total)
		assert.Equal(t, 2, res.snap.Passed)
		assert.False(t, res.snap.CancelRequested)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not settle after interrupt")
	}
}

func TestRunner_ExecuteRejectsUnknownPromptset(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://localhost:1")

	r := NewRunner(newTestLogger(), cfg, &Params{
		Promptset: "ghost",
		Team:      "quant",
	})

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop() })

	_, err := r.Execute(context.Background())
	require.ErrorIs(t, err, promptset.ErrNotFound)
}
