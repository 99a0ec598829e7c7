// Package paths resolves runtime directories for data, state and logs.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	basePath string
	dataPath string
	once     sync.Once
)

// IsBinaryMode returns true if running as a compiled binary (not go run).
func IsBinaryMode() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	// go run creates temp binaries in /tmp or similar
	return !isInTempDir(exe)
}

func isInTempDir(path string) bool {
	tempDir := os.TempDir()
	return len(path) > len(tempDir) && path[:len(tempDir)] == tempDir
}

// GetBasePath returns the directory the binary runs from, or the working
// directory under go run.
func GetBasePath() string {
	once.Do(initPaths)
	return basePath
}

// GetDataPath returns the data directory, creating it if needed.
func GetDataPath() string {
	once.Do(initPaths)
	return dataPath
}

// GetDBPath returns the full path to the request-metrics database file.
func GetDBPath() string {
	if dbPath := os.Getenv("LLM_ROUTER_DB_PATH"); dbPath != "" {
		return dbPath
	}
	return filepath.Join(GetDataPath(), "llm-router.db")
}

// GetStateFilePath returns the blacklist state file location.
func GetStateFilePath() string {
	if p := os.Getenv("LLM_ROUTER_STATE_FILE"); p != "" {
		return p
	}
	return filepath.Join(GetDataPath(), "blacklist-state.json")
}

// GetLogDir returns the log directory.
func GetLogDir() string {
	if dir := os.Getenv("LLM_ROUTER_LOGS_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(GetBasePath(), "logs")
}

func initPaths() {
	if IsBinaryMode() {
		exe, _ := os.Executable()
		basePath = filepath.Dir(exe)
	} else {
		wd, _ := os.Getwd()
		basePath = wd
	}

	if dp := os.Getenv("LLM_ROUTER_DATA_DIR"); dp != "" {
		dataPath = dp
	} else {
		dataPath = filepath.Join(basePath, "data")
	}

	_ = os.MkdirAll(dataPath, 0755)
}
