// Package paths names every file voicecord keeps in its data directory.
// Nothing else in the tree builds data-dir file names by hand.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ///////////////////////////////////////////////
// Constants
// ///////////////////////////////////////////////

// Data directory file names.
const (
	ConfigFile   = "config.toml"
	LogFile      = "voicecord.log"
	PIDFile      = "voicecord.pid"
	StoreFile    = "voice_history.json"
	SocketFile   = "control.sock"
	CorruptedExt = ".corrupted"
)

// Names shared by the daemon and the operator CLI.
const (
	BinaryName = "voicecord"
	DataDirRel = ".voicecord" // relative to $HOME
	PipeName   = `\\.\pipe\voicecord-control`
	EnvDataDir = "VOICECORD_HOME"
)

// archivePrefix and archiveExt frame the date in an archive file name:
// voice_history_2024-01-01.json.
const (
	archivePrefix = "voice_history_"
	archiveExt    = ".json"
)

// ///////////////////////////////////////////////
// DataDir
// ///////////////////////////////////////////////

// DataDir builds paths rooted at one data directory.
type DataDir struct {
	Root string
}

// Default returns the data directory from $VOICECORD_HOME, falling back to
// ~/.voicecord.
func Default() (DataDir, error) {
	if v := os.Getenv(EnvDataDir); v != "" {
		return DataDir{Root: v}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DataDir{}, err
	}
	return DataDir{Root: filepath.Join(home, DataDirRel)}, nil
}

// Config returns the config file path.
func (d DataDir) Config() string { return filepath.Join(d.Root, ConfigFile) }

// Log returns the log file path.
func (d DataDir) Log() string { return filepath.Join(d.Root, LogFile) }

// PID returns the PID file path.
func (d DataDir) PID() string { return filepath.Join(d.Root, PIDFile) }

// Store returns the live ledger file path.
func (d DataDir) Store() string { return filepath.Join(d.Root, StoreFile) }

// Socket returns the control endpoint. On Windows this is a named pipe
// shared by every data directory.
func (d DataDir) Socket() string {
	if runtime.GOOS == "windows" {
		return PipeName
	}
	return filepath.Join(d.Root, SocketFile)
}

// ///////////////////////////////////////////////
// Archives
// ///////////////////////////////////////////////

// Archive returns the archive path for date next to the store file. n > 1
// appends a collision suffix: Archive(store, "2024-01-01", 2) is
// voice_history_2024-01-01_2.json.
func Archive(store, date string, n int) string {
	name := archivePrefix + date
	if n > 1 {
		name += "_" + strconv.Itoa(n)
	}
	return filepath.Join(filepath.Dir(store), name+archiveExt)
}

// Corrupted returns the quarantine path for an unreadable store file.
func Corrupted(store string) string { return store + CorruptedExt }

// ArchiveDate extracts the date from an archive file name, reporting false
// for any other file.
func ArchiveDate(name string) (string, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, archivePrefix) || !strings.HasSuffix(base, archiveExt) {
		return "", false
	}
	date := strings.TrimSuffix(strings.TrimPrefix(base, archivePrefix), archiveExt)
	if i := strings.IndexByte(date, '_'); i >= 0 {
		date = date[:i]
	}
	if len(date) != len("2006-01-02") {
		return "", false
	}
	return date, true
}
