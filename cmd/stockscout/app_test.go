package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"StockScout/internal/config"
	"StockScout/internal/model"
	"StockScout/internal/recorder"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	t.Setenv("CACHE_BACKEND", backend)
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "data", "stockscout.db"))
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	cfg.Queue.MinInterval = time.Millisecond
	cfg.Queue.MaxInterval = 2 * time.Millisecond
	cfg.Queue.FailurePenaltyUnit = time.Millisecond
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOneShot_Fixtures(t *testing.T) {
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			a, err := build(ctx, testConfig(t, backend), "../../internal/extract/testdata")
			require.NoError(t, err)
			defer a.close()

			var out bytes.Buffer
			code := a.oneShot(ctx, []string{"7203", "0000", "7203"}, &out, model.StrategyFetch)
			require.Equal(t, 1, code)

			var snaps []model.StockSnapshot
			require.NoError(t, json.Unmarshal(out.Bytes(), &snaps))
			require.Len(t, snaps, 2)
			require.Equal(t, "7203", snaps[0].Code)
			require.Equal(t, model.SnapshotSchemaVersion, snaps[0].SchemaVersion)

			logs, err := a.pipeline.ScrapingLogs(ctx, recorder.Filter{})
			require.NoError(t, err)
			require.Len(t, logs, 3)
			require.Equal(t, model.StatusCache, logs[0].Status)
			require.Equal(t, model.StatusError, logs[1].Status)
			require.Equal(t, model.StatusSuccess, logs[2].Status)
		})
	}
}

func TestOneShot_RenderWithoutBrowser(t *testing.T) {
	ctx := context.Background()
	a, err := build(ctx, testConfig(t, "memory"), "../../internal/extract/testdata")
	require.NoError(t, err)
	defer a.close()

	var out bytes.Buffer
	require.Equal(t, 1, a.oneShot(ctx, []string{"7203"}, &out, model.StrategyRender))
	require.JSONEq(t, "[]", out.String())
}

func TestLoadFixtures(t *testing.T) {
	m, err := loadFixtures("../../internal/extract/testdata")
	require.NoError(t, err)
	require.Contains(t, m.Pages, "7203")

	m, err = loadFixtures(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, m.Pages)
}
