/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kentakayama/uptane-primary/internal/client"
	"github.com/kentakayama/uptane-primary/internal/domain/service"
	"github.com/kentakayama/uptane-primary/internal/infra/httpclient"
	"github.com/kentakayama/uptane-primary/internal/infra/sqlite"
	"github.com/kentakayama/uptane-primary/internal/lock"
	"github.com/kentakayama/uptane-primary/internal/pacman"
	"github.com/kentakayama/uptane-primary/internal/queue"
	"github.com/kentakayama/uptane-primary/internal/repotest"
	"github.com/kentakayama/uptane-primary/internal/result"
	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const (
	primarySerial = "primary-1"
	primaryHwID   = "hw-primary"
)

type fixture struct {
	t          *testing.T
	backend    *repotest.Backend
	repos      service.Repositories
	dir        string
	bootID     string
	needReboot bool
	lockPath   string
	clientCfg  func(*client.Config)
	cfg        Config
}

func newFixture(t *testing.T, needReboot bool) *fixture {
	t.Helper()
	db, err := sqlite.InitDB(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.CloseDB(db) })

	dir := t.TempDir()
	bootID := filepath.Join(dir, "boot_id")
	require.NoError(t, os.WriteFile(bootID, []byte("boot-1\n"), 0o644))

	return &fixture{
		t:          t,
		backend:    repotest.NewBackend(t),
		repos:      sqlite.NewRepositories(db),
		dir:        dir,
		bootID:     bootID,
		needReboot: needReboot,
		cfg: Config{
			PollingInterval:     time.Hour,
			EnableOnlineUpdates: true,
			OfflinePollInterval: 20 * time.Millisecond,
			LoopRate:            100,
		},
	}
}

func (f *fixture) agent() *Agent {
	f.t.Helper()
	q := queue.New(nil)
	pm, err := pacman.NewFilePackageManager(pacman.Config{
		ImagesDir:  filepath.Join(f.dir, "images"),
		InstallDir: filepath.Join(f.dir, "installed"),
		NeedReboot: f.needReboot,
		BootIDFile: f.bootID,
	}, f.repos.Installed)
	require.NoError(f.t, err)

	ccfg := client.Config{
		Server:                 f.backend.URL(),
		DirectorURL:            f.backend.DirectorURL(),
		ImageURL:               f.backend.ImageURL(),
		PrimarySerial:          primarySerial,
		PrimaryHardwareID:      primaryHwID,
		ForceInstallCompletion: true,
		DownloadRetryDelay:     time.Millisecond,
	}
	if f.clientCfg != nil {
		f.clientCfg(&ccfg)
	}
	c, err := client.New(ccfg, client.Deps{
		Repos:          f.repos,
		HTTP:           httpclient.New(httpclient.Config{}),
		PackageManager: pm,
		Token:          q.Token(),
	})
	require.NoError(f.t, err)

	var lk *lock.UpdateLockFile
	if f.lockPath != "" {
		lk = lock.New(f.lockPath, nil)
	}
	a := New(f.cfg, c, q, lk)
	f.t.Cleanup(a.Shutdown)
	return a
}

func (f *fixture) installed(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.dir, "installed", name))
}

func (f *fixture) reboot() {
	require.NoError(f.t, os.WriteFile(f.bootID, []byte("boot-2\n"), 0o644))
}

func ecuFilepath(t *testing.T, m *uptane.Manifest) string {
	t.Helper()
	var env struct {
		Signed uptane.EcuManifest `json:"signed"`
	}
	require.NoError(t, json.Unmarshal(m.EcuVersionManifests[primarySerial], &env))
	return env.Signed.InstalledImage.Filepath
}

type runResult struct {
	state State
	err   error
}

func runInBackground(ctx context.Context, a *Agent, mode RunMode) <-chan runResult {
	ch := make(chan runResult, 1)
	go func() {
		s, err := a.Run(ctx, mode)
		ch <- runResult{s, err}
	}()
	return ch
}

func TestRunOnce_InstallsUpdate(t *testing.T) {
	f := newFixture(t, false)
	content := []byte("application v1")
	f.backend.Offer("app.bin", content, primarySerial, primaryHwID)
	a := f.agent()

	state, err := a.Run(context.Background(), RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, StateIdle, a.State())

	got, err := f.installed("app.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	m := f.backend.LastManifest(t)
	assert.Equal(t, "app.bin", ecuFilepath(t, m))
	require.NotNil(t, m.InstallationReport)
	assert.True(t, m.InstallationReport.Report.Result.Success)
	assert.NotNil(t, f.backend.SystemInfo("/system_info"))
	assert.NotNil(t, f.backend.SystemInfo("/core/installed"))
}

func TestRunOnce_AwaitRebootThenFinalize(t *testing.T) {
	f := newFixture(t, true)
	f.backend.Offer("app-2.bin", []byte("application v2"), primarySerial, primaryHwID)
	ctx := context.Background()
	a := f.agent()

	state, err := a.Run(ctx, RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitReboot, state)
	pending, err := a.Client().HasPendingUpdates(ctx)
	require.NoError(t, err)
	assert.True(t, pending)

	state, err = a.Run(ctx, RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitReboot, state, "no reboot happened yet")

	f.reboot()
	restarted := f.agent()
	state, err = restarted.Run(ctx, RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)

	pending, err = restarted.Client().HasPendingUpdates(ctx)
	require.NoError(t, err)
	assert.False(t, pending)
	assert.Equal(t, "app-2.bin", ecuFilepath(t, f.backend.LastManifest(t)))
}

func TestRun_SecondRunIsIgnored(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	ctx := context.Background()

	done := runInBackground(ctx, a, RunUntilRebootNeeded)
	require.Eventually(t, func() bool { return a.State() == StateIdle }, 5*time.Second, 10*time.Millisecond)

	_, err := a.Run(ctx, RunOnce)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	a.Shutdown()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StateIdle, r.state)
	case <-time.After(5 * time.Second):
		t.Fatal("update loop did not stop")
	}

	_, err = a.Run(ctx, RunOnce)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	ctx, cancel := context.WithCancel(context.Background())

	done := runInBackground(ctx, a, RunUntilRebootNeeded)
	require.Eventually(t, func() bool { return a.State() == StateIdle }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case r := <-done:
		assert.NoError(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("update loop did not stop")
	}
}

func TestRunOnce_UpdateLockHeld(t *testing.T) {
	f := newFixture(t, false)
	f.lockPath = filepath.Join(f.dir, "update.lock")
	f.backend.Offer("app.bin", []byte("locked out"), primarySerial, primaryHwID)

	fd, err := os.OpenFile(f.lockPath, os.O_CREATE|os.O_RDWR, 0o666)
	require.NoError(t, err)
	defer fd.Close()
	require.NoError(t, unix.Flock(int(fd.Fd()), unix.LOCK_EX))

	a := f.agent()
	ctx := context.Background()
	state, err := a.Run(ctx, RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	_, err = f.installed("app.bin")
	assert.True(t, os.IsNotExist(err), "installed while the lock was held")

	require.NoError(t, unix.Flock(int(fd.Fd()), unix.LOCK_UN))
	state, err = a.Run(ctx, RunOnce)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	_, err = f.installed("app.bin")
	assert.NoError(t, err)
}

func TestRunOnce_NotProvisioned(t *testing.T) {
	f := newFixture(t, false)
	f.clientCfg = func(cfg *client.Config) { cfg.DirectorURL = "" }
	a := f.agent()

	state, err := a.Run(context.Background(), RunOnce)
	assert.ErrorIs(t, err, client.ErrNotProvisioned)
	assert.Equal(t, StateUnprovisioned, state)
}

func TestUptaneCycle(t *testing.T) {
	f := newFixture(t, false)
	f.backend.Offer("app.bin", []byte("cycle"), primarySerial, primaryHwID)
	a := f.agent()
	ctx := context.Background()

	cont, err := a.UptaneCycle(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
	_, err = f.installed("app.bin")
	require.NoError(t, err)
	assert.True(t, f.backend.LastManifest(t).InstallationReport.Report.Result.Success)

	cont, err = a.UptaneCycle(ctx)
	require.NoError(t, err)
	assert.True(t, cont)
}

func TestUptaneCycle_ExitsForReboot(t *testing.T) {
	f := newFixture(t, true)
	f.backend.Offer("app.bin", []byte("needs reboot"), primarySerial, primaryHwID)
	a := f.agent()

	cont, err := a.UptaneCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, cont)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	ctx := context.Background()

	assert.Equal(t, result.PauseSuccess, a.Pause(ctx))
	assert.Equal(t, result.AlreadyPaused, a.Pause(ctx))

	provisioned := a.AttemptProvision()
	assert.False(t, provisioned.WaitFor(50*time.Millisecond), "queue runs while paused")

	assert.Equal(t, result.PauseSuccess, a.Resume(ctx))
	assert.Equal(t, result.AlreadyRunning, a.Resume(ctx))
	ok, err := provisioned.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	a.Client().Reports().Flush(ctx)
	assert.Equal(t, []string{client.EventDevicePaused, client.EventDeviceResumed}, f.backend.EventTypes())
}

func TestAbort_DropsQueuedOperations(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	ctx := context.Background()

	require.Equal(t, result.PauseSuccess, a.Pause(ctx))
	check := a.CheckUpdates()
	a.Abort()
	_, err := check.Get(ctx)
	assert.ErrorIs(t, err, queue.ErrAborted)
}

func TestOfflineUpdate_SourceAppears(t *testing.T) {
	f := newFixture(t, false)
	f.clientCfg = func(cfg *client.Config) {
		cfg.Server = ""
		cfg.DirectorURL = ""
		cfg.ImageURL = ""
	}
	media := filepath.Join(f.dir, "media")
	require.NoError(t, os.MkdirAll(media, 0o755))
	f.cfg.EnableOnlineUpdates = false
	f.cfg.EnableOfflineUpdates = true
	f.cfg.OfflineSource = filepath.Join(media, "update")

	content := []byte("offline firmware")
	staging := filepath.Join(f.dir, "staging")
	director := repotest.NewDirector(t)
	director.AddImage("fw.bin", content, primaryHwID)
	director.PublishOffline("update-1")
	director.WriteDir(staging)
	image := repotest.NewImageRepo(t)
	image.AddImage("fw.bin", content, primaryHwID)
	image.Publish()
	image.WriteDir(staging)

	a := f.agent()
	done := runInBackground(context.Background(), a, RunUntilRebootNeeded)
	require.Eventually(t, func() bool { return a.State() == StateIdle }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(5 * f.cfg.OfflinePollInterval)

	require.NoError(t, os.Rename(staging, f.cfg.OfflineSource))
	require.Eventually(t, func() bool {
		got, err := f.installed("fw.bin")
		return err == nil && string(got) == string(content)
	}, 10*time.Second, 20*time.Millisecond)

	a.Shutdown()
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, StateIdle, r.state)
}

func TestOfflineSource_RisingEdge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "update")
	s := newOfflineSource(path, sourceUnknown, nil)

	assert.False(t, s.Available())
	require.NoError(t, os.MkdirAll(filepath.Join(path, offlineMetadataDir), 0o755))
	assert.True(t, s.Available())
	assert.False(t, s.Available(), "a source left in place is announced once")

	require.NoError(t, os.RemoveAll(path))
	assert.False(t, s.Available())
	require.NoError(t, os.MkdirAll(path, 0o755))
	assert.False(t, s.Available(), "no metadata yet")
	require.NoError(t, os.MkdirAll(filepath.Join(path, offlineMetadataDir), 0o755))
	assert.False(t, s.Available(), "content added to an existing source")

	present := newOfflineSource(path, sourceUnknown, nil)
	assert.False(t, present.Available(), "source present at start")
}

func TestStep_UnknownStateResetsToIdle(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	a.setState(State(42))

	next, finished := a.step(context.Background(), &cycle{mode: RunOnce})
	assert.Equal(t, StateIdle, next)
	assert.False(t, finished)
	assert.Equal(t, "Unknown", State(42).String())
}

func TestStepChecking_ProvisioningError(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	failed := func() *queue.Future[result.UpdateCheck] {
		return queue.Resolved(result.UpdateCheck{Status: result.UpdateError}, client.ErrNotProvisioned)
	}

	once := &cycle{mode: RunOnce, nextPoll: time.Now().Add(time.Hour), check: failed()}
	start := time.Now()
	next, finished := a.stepChecking(context.Background(), once)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateUnprovisioned, next)
	assert.True(t, finished)
	assert.ErrorIs(t, once.err, client.ErrNotProvisioned)

	loop := &cycle{mode: RunUntilRebootNeeded, nextPoll: time.Now().Add(time.Hour), check: failed()}
	next, finished = a.stepChecking(context.Background(), loop)
	assert.Equal(t, StateUnprovisioned, next)
	assert.False(t, finished)
	assert.Equal(t, loop.nextPoll, loop.nextProvision)
}

func TestShutdown_DuringFinalization(t *testing.T) {
	f := newFixture(t, false)
	a := f.agent()
	require.Equal(t, result.PauseSuccess, a.Pause(context.Background()))

	done := runInBackground(context.Background(), a, RunUntilRebootNeeded)
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.running
	}, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		a.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown waited for the paused finalization")
	}
	r := <-done
	assert.NoError(t, r.err)
}
