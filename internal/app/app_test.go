package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/config"
	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

const resultsPage = `
<li><div class="base-card">
  <a class="base-card__full-link" href="https://www.linkedin.com/jobs/view/go-developer-1?trackingId=a"></a>
  <h3 class="base-search-card__title">Go Developer</h3>
  <h4 class="base-search-card__subtitle"><a href="https://www.linkedin.com/company/acme">Acme</a></h4>
  <span class="job-search-card__location">Cairo, Egypt</span>
</div></li>
<li><div class="base-card">
  <a class="base-card__full-link" href="https://www.linkedin.com/jobs/view/platform-engineer-2"></a>
  <h3 class="base-search-card__title">Platform Engineer</h3>
</div></li>`

func newListingServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.URL.Query().Get("start") == "0" {
			fmt.Fprint(w, resultsPage)
			return
		}
		fmt.Fprint(w, "<html><body><p>No more jobs</p></body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, endpoint string) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
crawler:
  max_concurrent: 1
  batch_size: 1
  request_delay: {min: 0s, max: 0s}
  batch_delay: {min: 0s, max: 0s}
retry:
  max_attempts: 1
  delay: 0s
fetcher:
  endpoint: %q
  timeout: 5s
dimensions:
  countries: [Egypt]
  categories:
    - name: Engineering
      keywords: [golang]
checkpoint:
  path: %q
storage:
  sink: csv
  output_dir: %q
archive:
  provider: local
  base_dir: %q
`, endpoint, filepath.Join(dir, "checkpoint.json"), filepath.Join(dir, "out"), filepath.Join(dir, "raw"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildAndRun(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newListingServer(t, &hits)
	cfg := testConfig(t, srv.URL)

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.Equal(t, 1, a.Planner().Len())

	report, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.RunCompleted, report.Summary.Status)
	assert.Equal(t, 2, report.Summary.RecordsPersisted)
	assert.Equal(t, 1, report.Summary.QueriesCompleted)
	assert.Equal(t, int32(2), hits.Load())

	cp, err := a.Checkpoints().Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cp.DimensionIndex)
	assert.Equal(t, 0, cp.PageCursor)

	csvPath := filepath.Join(cfg.Storage.OutputDir, "Egypt", "Engineering", "Engineering.csv")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Go Developer")
	assert.Contains(t, string(data), "https://www.linkedin.com/jobs/view/go-developer-1")

	raw, err := os.ReadDir(cfg.Archive.BaseDir)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestRunAgainSkipsFinishedPlan(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newListingServer(t, &hits)
	cfg := testConfig(t, srv.URL)

	for range 2 {
		a, err := Build(context.Background(), cfg, nil)
		require.NoError(t, err)
		_, err = a.Run(context.Background())
		require.NoError(t, err)
		require.NoError(t, a.Close())
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestBuildRejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*config.Config){
		"storage.sink":     func(c *config.Config) { c.Storage.Sink = "s3" },
		"archive.provider": func(c *config.Config) { c.Archive.Provider = "ftp" },
		"notify.provider":  func(c *config.Config) { c.Notify.Provider = "kafka" },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, "http://127.0.0.1:1")
			mutate(&cfg)

			_, err := Build(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			var cfgErr *crawler.ConfigurationError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, field, cfgErr.Field)
		})
	}
}

func TestNewPlannerRequiresDimensions(t *testing.T) {
	t.Parallel()

	_, err := NewPlanner(config.DimensionsConfig{Countries: []string{"Egypt"}})
	require.Error(t, err)

	_, err = NewPlanner(config.DimensionsConfig{DatasetPath: filepath.Join(t.TempDir(), "missing.json")})
	require.Error(t, err)
}

func TestNewRetryPolicy(t *testing.T) {
	t.Parallel()

	_, fixed := newRetryPolicy(config.RetryConfig{Strategy: "fixed", MaxAttempts: 3}).(*crawler.FixedRetryPolicy)
	assert.True(t, fixed)
	_, exp := newRetryPolicy(config.RetryConfig{Strategy: "exponential", MaxAttempts: 3}).(*crawler.ExponentialRetryPolicy)
	assert.True(t, exp)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	calls := 0
	a := &App{logger: zap.NewNop()}
	a.onClose("thing", func() error { calls++; return errors.New("boom") })

	require.ErrorContains(t, a.Close(), "close thing: boom")
	require.NoError(t, a.Close())
	assert.Equal(t, 1, calls)
}
