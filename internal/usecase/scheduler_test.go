package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NewsScanner/internal/domain"
)

type fakeDriver struct {
	jobs    map[string]func(context.Context)
	specs   map[string]string
	started bool
	stopped bool
}

func (d *fakeDriver) Schedule(name, spec string, job func(ctx context.Context)) error {
	if d.jobs == nil {
		d.jobs = map[string]func(context.Context){}
		d.specs = map[string]string{}
	}
	d.jobs[name] = job
	d.specs[name] = spec
	return nil
}

func (d *fakeDriver) Start(context.Context) error { d.started = true; return nil }
func (d *fakeDriver) Stop(context.Context) error  { d.stopped = true; return nil }

func TestSchedulerRegistersAndRunsJobs(t *testing.T) {
	t.Parallel()

	f := newAnalyzeFixture(t)
	sc := &fakeScanner{pages: map[int][]domain.ArticleSummary{1: {summary("1")}}}
	ing := NewIngestor(IngestorDeps{Scanner: sc, Store: f.articles, FetchDetails: true})
	driver := &fakeDriver{}

	s := NewScheduler(driver, ing, f.analyzer(true), f.articles,
		func() ([]byte, error) { return []byte(testProfile), nil },
		SchedulerConfig{ScraperSpec: "0 8 * * *", AnalyzerSpec: "@every 1h", Pages: 1, BatchSize: 5}, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, driver.started)
	assert.Equal(t, "0 8 * * *", driver.specs[JobScraper])
	assert.Equal(t, "@every 1h", driver.specs[JobAnalyzer])

	driver.jobs[JobScraper](context.Background())
	assert.True(t, f.articles.Exists(summary("1").URL))

	driver.jobs[JobAnalyzer](context.Background())
	_, runs := f.scorer.calls()
	assert.Equal(t, 1, runs)

	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, driver.stopped)
}

func TestSchedulerSkipsEmptySpecs(t *testing.T) {
	t.Parallel()

	driver := &fakeDriver{}
	s := NewScheduler(driver, nil, nil, nil, nil, SchedulerConfig{}, nil)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, driver.jobs)
	assert.True(t, driver.started)
}
