// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ksipath resolves the daemon's on-disk layout: the data directory,
// its fixed subdirectories (sandboxes, logs, profiles), and the control
// socket and agent/session database files, which sit directly in the data
// directory; there is no sockets subdirectory.
package ksipath

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDir returns the daemon's data directory.
//
// Priority:
//  1. KSI_DATA_DIR environment variable, if set and non-empty.
//  2. ~/.ksi, as a fallback.
//
// The returned path is always absolute; a leading "~/" in KSI_DATA_DIR is
// expanded to the user's home directory. This is read directly from the
// environment rather than from a parsed config, since it is needed to locate
// the config file itself during bootstrap.
func DataDir() string {
	if dir := os.Getenv("KSI_DATA_DIR"); dir != "" {
		return expandPath(dir)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".ksi"
	}
	return filepath.Join(home, ".ksi")
}

// SubDir returns a named subdirectory within the data directory, e.g.
// SubDir("sandboxes") returns ~/.ksi/sandboxes.
func SubDir(name string) string {
	return filepath.Join(DataDir(), name)
}

// SocketPath returns the path of the daemon's control socket.
func SocketPath() string {
	return filepath.Join(DataDir(), "ksid.sock")
}

// SandboxRoot returns the root directory under which per-agent sandboxes are
// created. KSI_SANDBOX_ROOT overrides it; otherwise it defaults to a
// subdirectory of the data directory so that sandbox contents never leak
// outside of KSI's own state.
func SandboxRoot() string {
	if dir := os.Getenv("KSI_SANDBOX_ROOT"); dir != "" {
		return expandPath(dir)
	}
	return SubDir("sandboxes")
}

// ProfilesDir returns the directory that permission profile YAML files are
// loaded from and watched in.
func ProfilesDir() string {
	return SubDir("profiles")
}

// LogDir returns the directory conversation logs are appended to.
func LogDir() string {
	return SubDir("logs")
}

// DatabasePath returns the path of the agent/session SQLite database.
func DatabasePath() string {
	return filepath.Join(DataDir(), "ksi.db")
}

// EnsureLayout creates the data directory and its fixed subdirectories if
// they do not already exist.
func EnsureLayout() error {
	dirs := []string{
		DataDir(),
		SandboxRoot(),
		ProfilesDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
