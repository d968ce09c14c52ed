package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	"github.com/veranemoloko/tilesweep/internal/pacing"
	"github.com/veranemoloko/tilesweep/internal/repository"
	"github.com/veranemoloko/tilesweep/internal/retry"
	"github.com/veranemoloko/tilesweep/internal/storage"
	"github.com/veranemoloko/tilesweep/internal/worker"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memArchive struct {
	mu    sync.Mutex
	tiles map[domain.TileCoord][]byte
}

func (a *memArchive) Exists(_ context.Context, c domain.TileCoord) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tiles[c]
	return ok, nil
}

func (a *memArchive) Put(_ context.Context, c domain.TileCoord, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tiles[c] = data
	return nil
}

func (a *memArchive) Flush(context.Context) error { return nil }
func (a *memArchive) Close() error                { return nil }

// archives keeps one memArchive per job so tiles survive across activations.
type archives struct {
	mu     sync.Mutex
	byJob  map[string]*memArchive
	opens  int
	broken bool
}

func newArchives() *archives {
	return &archives{byJob: make(map[string]*memArchive)}
}

func (a *archives) open(_ context.Context, job domain.MapJob) (worker.TileArchive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	if a.broken {
		return nil, errors.New("read-only file system")
	}
	arc, ok := a.byJob[job.Name]
	if !ok {
		arc = &memArchive{tiles: make(map[domain.TileCoord][]byte)}
		a.byJob[job.Name] = arc
	}
	return arc, nil
}

type countingFetcher struct {
	mu      sync.Mutex
	byHost  map[string]int
	respond func(url string) (worker.Response, error)
}

func newCountingFetcher(respond func(url string) (worker.Response, error)) *countingFetcher {
	if respond == nil {
		respond = func(string) (worker.Response, error) {
			return worker.Response{Status: http.StatusOK, Body: []byte("tile")}, nil
		}
	}
	return &countingFetcher{byHost: make(map[string]int), respond: respond}
}

func (f *countingFetcher) Fetch(_ context.Context, url string) (worker.Response, error) {
	f.mu.Lock()
	host := strings.SplitN(strings.TrimPrefix(url, "https://"), "/", 2)[0]
	f.byHost[host]++
	f.mu.Unlock()
	return f.respond(url)
}

func (f *countingFetcher) count(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byHost[host]
}

type recordingSnapshots struct {
	calls []string
}

func (r *recordingSnapshots) Snapshot(path string, generation int) (string, error) {
	name := storage.SnapshotName(path, generation)
	r.calls = append(r.calls, name)
	return name, nil
}

// twoTileJob covers exactly tiles 1/0/0 and 1/1/0.
func twoTileJob(name string) domain.MapJob {
	return domain.MapJob{
		Name:        name,
		URLTemplate: "https://" + name + ".example.com/{z}/{x}/{y}.pbf",
		Mirrors:     []string{""},
		BBox:        domain.BoundingBox{MinLon: -10, MinLat: 10, MaxLon: 10, MaxLat: 20},
		MinZoom:     1,
		MaxZoom:     1,
		ArchivePath: "/data/" + name + ".mbtiles",
		DisplayName: name,
	}
}

type fixture struct {
	repo      *repository.ProgressStorage
	archives  *archives
	fetcher   *countingFetcher
	clock     *pacing.FakeClock
	snapshots *recordingSnapshots
	cfg       SchedulerConfig
}

func newFixture(t *testing.T, fetcher *countingFetcher) *fixture {
	t.Helper()
	repo, err := repository.NewProgressStorage(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return &fixture{
		repo:      repo,
		archives:  newArchives(),
		fetcher:   fetcher,
		clock:     pacing.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		snapshots: &recordingSnapshots{},
		cfg: SchedulerConfig{
			CheckpointInterval: 250,
			AbortCooldown:      1,
			IdleDelay:          time.Minute,
			Retry:              retry.DefaultConfig(),
			SessionID:          uuid.New(),
		},
	}
}

func (f *fixture) scheduler(t *testing.T, jobs ...domain.MapJob) *Scheduler {
	t.Helper()
	s, err := NewScheduler(jobs, SchedulerDeps{
		Repo:      f.repo,
		Fetcher:   f.fetcher,
		Open:      f.archives.open,
		Snapshots: f.snapshots,
		Clock:     f.clock,
		Logger:    newTestLogger(),
	}, f.cfg)
	require.NoError(t, err)
	return s
}

func TestNewScheduler_NoJobs(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	_, err := NewScheduler(nil, SchedulerDeps{Repo: f.repo, Logger: newTestLogger()}, f.cfg)
	assert.ErrorIs(t, err, apperrors.ErrNoJobs)
}

func TestScheduler_RotationRevisitsWithoutFetching(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	s := f.scheduler(t, twoTileJob("a"), twoTileJob("b"))
	ctx := context.Background()

	step, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", step.Job)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
	assert.Equal(t, 2, f.fetcher.count("a.example.com"))

	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", step.Job)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
	assert.Equal(t, 2, f.fetcher.count("b.example.com"))

	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", step.Job)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
	assert.Zero(t, step.Run.Fetches)
	assert.Equal(t, int64(2), step.Run.Present)
	assert.Equal(t, 2, f.fetcher.count("a.example.com"), "no new requests on the second sweep")

	rec, err := f.repo.GetProgress(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Generation)

	assert.Equal(t, []string{"a.1.mbtiles", "b.1.mbtiles", "a.2.mbtiles"}, f.snapshots.calls)
}

func TestScheduler_AbortedJobCoolsDown(t *testing.T) {
	fetcher := newCountingFetcher(func(url string) (worker.Response, error) {
		if strings.Contains(url, "a.example.com") {
			return worker.Response{Status: http.StatusForbidden}, nil
		}
		return worker.Response{Status: http.StatusOK, Body: []byte("tile")}, nil
	})
	f := newFixture(t, fetcher)
	f.cfg.AbortCooldown = 2
	s := f.scheduler(t, twoTileJob("a"), twoTileJob("b"))
	ctx := context.Background()

	step, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, step.Run.Status)
	assert.ErrorIs(t, step.Run.Err, apperrors.ErrService)

	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", step.Job)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)

	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", step.Job)
	assert.True(t, step.Skipped)

	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", step.Job)
	assert.False(t, step.Skipped)

	before := fetcher.count("a.example.com")
	step, err = s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", step.Job)
	assert.False(t, step.Skipped)
	assert.Greater(t, fetcher.count("a.example.com"), before, "retried after the cooldown")

	rec, err := f.repo.GetProgress(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAborted, rec.Status)
	assert.NotEmpty(t, rec.LastError)
}

func TestScheduler_IdlesWhenEveryJobCoolsDown(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		require.NoError(t, f.repo.SaveProgress(ctx, &domain.ProgressRecord{
			Job:      name,
			Status:   domain.StatusAborted,
			Cooldown: 1,
		}))
	}
	s := f.scheduler(t, twoTileJob("a"), twoTileJob("b"))

	for range 2 {
		step, err := s.Step(ctx)
		require.NoError(t, err)
		assert.True(t, step.Skipped)
	}
	assert.Equal(t, []time.Duration{time.Minute}, f.clock.Sleeps())

	step, err := s.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
}

func TestScheduler_StorageUnavailable(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	f.archives.broken = true
	s := f.scheduler(t, twoTileJob("a"), twoTileJob("b"))

	err := s.Run(context.Background())

	assert.ErrorIs(t, err, apperrors.ErrStorageUnavailable)
	assert.Equal(t, 2, f.archives.opens)

	rec, gerr := f.repo.GetProgress(context.Background(), "b")
	require.NoError(t, gerr)
	assert.Equal(t, domain.StatusAborted, rec.Status)
}

func TestScheduler_InterruptedJobResumesFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := newCountingFetcher(func(string) (worker.Response, error) {
		cancel()
		return worker.Response{Status: http.StatusOK, Body: []byte("tile")}, nil
	})
	f := newFixture(t, fetcher)
	jobs := []domain.MapJob{twoTileJob("a"), twoTileJob("b")}

	step, err := f.scheduler(t, jobs...).Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusInterrupted, step.Run.Status)

	state, err := f.repo.GetSchedulerState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", state.CurrentJob)

	f.fetcher = newCountingFetcher(nil)
	step, err = f.scheduler(t, jobs...).Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", step.Job)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
	assert.Equal(t, int64(1), step.Run.Fetches, "only the tile after the cursor is requested")
}

func TestScheduler_RestorePassesFinishedJob(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	ctx := context.Background()
	require.NoError(t, f.repo.SaveProgress(ctx, &domain.ProgressRecord{Job: "a", Status: domain.StatusSweepComplete, Generation: 1}))
	require.NoError(t, f.repo.SaveSchedulerState(ctx, domain.SchedulerState{CurrentJob: "a"}))

	step, err := f.scheduler(t, twoTileJob("a"), twoTileJob("b")).Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", step.Job)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, newCountingFetcher(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.scheduler(t, twoTileJob("a")).Run(ctx)
	assert.NoError(t, err)
}

func TestScheduler_WithMBTilesAndHTTP(t *testing.T) {
	var requests int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		if r.URL.Path == "/1/1/0.pbf" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, "pbf "+r.URL.Path)
	}))
	defer server.Close()

	dir := t.TempDir()
	job := twoTileJob("alps")
	job.URLTemplate = server.URL + "/{z}/{x}/{y}.pbf"
	job.ArchivePath = filepath.Join(dir, "alps.mbtiles")

	repo, err := repository.NewProgressStorage(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	snaps := storage.NewFileStorage(filepath.Join(dir, "snapshots"))

	s, err := NewScheduler([]domain.MapJob{job}, SchedulerDeps{
		Repo:    repo,
		Fetcher: worker.NewHTTPFetcher(5*time.Second, "tilesweep-test", newTestLogger()),
		Open: func(ctx context.Context, job domain.MapJob) (worker.TileArchive, error) {
			return storage.OpenMBTiles(ctx, job.ArchivePath, storage.MetadataFor(job), true)
		},
		Snapshots: snaps,
		Clock:     pacing.NewFakeClock(time.Now()),
		Logger:    newTestLogger(),
	}, SchedulerConfig{CheckpointInterval: 1, AbortCooldown: 1, Retry: retry.DefaultConfig()})
	require.NoError(t, err)

	step, err := s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSweepComplete, step.Run.Status)
	assert.Equal(t, int64(1), step.Run.Stored)
	assert.Equal(t, int64(1), step.Run.Skipped)
	assert.FileExists(t, filepath.Join(dir, "snapshots", "alps.1.mbtiles"))

	arc, err := storage.OpenMBTiles(context.Background(), job.ArchivePath, storage.MetadataFor(job), true)
	require.NoError(t, err)
	defer arc.Close()
	data, err := arc.ReadTile(context.Background(), domain.TileCoord{Z: 1, X: 0, Y: 0})
	require.NoError(t, err)
	assert.Equal(t, []byte("pbf /1/0/0.pbf"), data)

	step, err = s.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), step.Run.Present)
	assert.Equal(t, int64(1), step.Run.Fetches, "absent tile is asked for again on the next sweep")
	mu.Lock()
	assert.Equal(t, 3, requests)
	mu.Unlock()
}
