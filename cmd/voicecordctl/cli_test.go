package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tools.zach/dev/voicecord/internal/control"
	"tools.zach/dev/voicecord/internal/ledger"
	"tools.zach/dev/voicecord/internal/paths"
	"tools.zach/dev/voicecord/internal/store"
)

func executeCLI(t *testing.T, dataDir string, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(append([]string{"--data-dir", dataDir}, args...))

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// writeLedgerFixture stores u1 open in v1 since 10:00 and u2 in v2 from
// 11:00 to 11:30 on 2024-05-01 UTC, all in server g1.
func writeLedgerFixture(t *testing.T, dataDir string) {
	t.Helper()
	at := func(h, m int) time.Time { return time.Date(2024, 5, 1, h, m, 0, 0, time.UTC) }
	l := ledger.New()
	l.Join("g1", "v1", "u1", at(10, 0))
	l.Join("g1", "v2", "u2", at(11, 0))
	l.Leave("g1", "v2", "u2", at(11, 30))
	require.NoError(t, store.NewFileStore(paths.DataDir{Root: dataDir}.Store()).Save(l))
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestStatusWithoutDaemon(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, control.ErrDaemonNotRunning)
}

func TestClearRequiresServer(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "clear")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestReportRequiresServerFlag(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "report")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag(s) \"server\" not set")
}

func TestReportFromStore(t *testing.T) {
	dir := t.TempDir()
	writeLedgerFixture(t, dir)

	stdout, _, err := executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-05-01")
	require.NoError(t, err)
	assert.Contains(t, stdout, "@u1 connected to v1 since 2024-05-01 10:00:00\n(duration: 13h 59m 59s)")
	assert.Contains(t, stdout, "@u2 was in v2 since 2024-05-01 11:00:00\n(duration: 0h 30m 0s)")

	stdout, _, err = executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-05-01", "--channel", "v2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "@u2 was in v2")
	assert.NotContains(t, stdout, "@u1")
}

func TestReportEmptyResults(t *testing.T) {
	dir := t.TempDir()
	writeLedgerFixture(t, dir)

	stdout, _, err := executeCLI(t, dir, "report", "--server", "nope", "--date", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, "no voice history recorded\n", stdout)

	stdout, _, err = executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-04-30", "--channel", "v2")
	require.NoError(t, err)
	assert.Equal(t, "no voice activity today\n", stdout)
}

func TestReportInvalidDate(t *testing.T) {
	_, _, err := executeCLI(t, t.TempDir(), "report", "--server", "g1", "--date", "May 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --date")
}

func TestReportExport(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	writeLedgerFixture(t, dir)

	stdout, _, err := executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-05-01", "--export", out)
	require.NoError(t, err)

	path := filepath.Join(out, "voice-log-g1-2024-05-01.txt")
	assert.Equal(t, path+"\n", stdout)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Voice activity for 2024-05-01")
	assert.Contains(t, string(data), "@u2 was in v2")
}

func TestReportFromArchive(t *testing.T) {
	dir := t.TempDir()
	writeLedgerFixture(t, dir)
	fs := store.NewFileStore(paths.DataDir{Root: dir}.Store())
	require.NoError(t, fs.BackupAndReset("2024-05-01"))

	stdout, _, err := executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, "no voice history recorded\n", stdout)

	archive := paths.Archive(fs.Path(), "2024-05-01", 1)
	stdout, _, err = executeCLI(t, dir, "report", "--server", "g1", "--date", "2024-05-01", "--store", archive)
	require.NoError(t, err)
	assert.Contains(t, stdout, "@u1 connected to v1")

	stdout, _, err = executeCLI(t, dir, "archives")
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01  "+archive+"\n", stdout)
}

func TestReportLeavesMalformedStoreAlone(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(t.TempDir(), "voice_history_2024-05-01.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"$version":2,"servers":`), 0o600))

	stdout, _, err := executeCLI(t, dir, "report", "--server", "g1", "--store", bad)
	require.NoError(t, err)
	assert.Equal(t, "no voice history recorded\n", stdout)

	entries, err := os.ReadDir(filepath.Dir(bad))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "report must not write next to the store it reads")
}

func TestArchivesEmpty(t *testing.T) {
	stdout, _, err := executeCLI(t, t.TempDir(), "archives")
	require.NoError(t, err)
	assert.Equal(t, "no archives\n", stdout)
}

func TestLogs(t *testing.T) {
	dir := t.TempDir()
	content := "line one\nline two\nline three\n"
	require.NoError(t, os.WriteFile(paths.DataDir{Root: dir}.Log(), []byte(content), 0o600))

	stdout, _, err := executeCLI(t, dir, "logs", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "line two\nline three\n", stdout)

	_, _, err = executeCLI(t, t.TempDir(), "logs")
	require.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	dir := t.TempDir()
	dp := paths.DataDir{Root: dir}

	stdout, _, err := executeCLI(t, dir, "config")
	require.NoError(t, err)
	assert.Equal(t, dp.Config()+": ok\n", stdout)

	require.NoError(t, os.WriteFile(dp.Config(), []byte("[ledger]\ntimezone = \"Mars/Olympus\"\n"), 0o600))
	_, _, err = executeCLI(t, dir, "config")
	require.Error(t, err)
	assert.Contains(t, err.Error(), dp.Config())
}

// daemonDir starts a control server answering like a daemon in a short
// temp dir (Unix socket paths are length-limited).
func daemonDir(t *testing.T) (string, func() []control.Request) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("control socket tests use Unix sockets")
	}
	dir, err := os.MkdirTemp("", "vcctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	var mu sync.Mutex
	var seen []control.Request
	srv, err := control.Listen(paths.DataDir{Root: dir}.Socket(), func(_ context.Context, req control.Request) control.Response {
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		switch req.Command {
		case control.CmdStatus:
			return control.Response{OK: true, Status: &control.Status{
				PID: 4242, Version: "1.0.0", Enabled: true, Connected: true, Backend: "file",
				Servers: 1, Records: 3, Open: 1, Timezone: "UTC",
				StartedAt:  time.Now().Add(-time.Hour),
				NextBackup: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
				ProcessRSS: 5 << 20,
			}}
		case control.CmdStart:
			return control.Response{OK: true, Message: "tracking enabled"}
		case control.CmdClear:
			return control.Errorf("no such server %s", req.Server)
		}
		return control.Response{OK: true, Message: "archived as 2024-05-01"}
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return dir, func() []control.Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]control.Request(nil), seen...)
	}
}

func TestDaemonCommands(t *testing.T) {
	dir, seen := daemonDir(t)

	stdout, _, err := executeCLI(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "voicecord 1.0.0 (pid 4242)")
	assert.Contains(t, stdout, "tracking:    enabled")
	assert.Contains(t, stdout, "ledger:      file, 1 servers, 3 records (1 open)")
	assert.Contains(t, stdout, "next backup: 2024-05-02 00:00 UTC")
	assert.Contains(t, stdout, "rss 5.0 MiB")

	stdout, _, err = executeCLI(t, dir, "status", "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, "\"pid\": 4242")

	stdout, _, err = executeCLI(t, dir, "start")
	require.NoError(t, err)
	assert.Equal(t, "tracking enabled\n", stdout)

	stdout, _, err = executeCLI(t, dir, "backup")
	require.NoError(t, err)
	assert.Equal(t, "archived as 2024-05-01\n", stdout)

	_, _, err = executeCLI(t, dir, "clear", "g9")
	require.Error(t, err)
	assert.Equal(t, "no such server g9", err.Error())

	requests := seen()
	require.Len(t, requests, 5)
	assert.Equal(t, control.Request{Command: control.CmdClear, Server: "g9"}, requests[4])
}
