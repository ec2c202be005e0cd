// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
)

var (
	// ErrRefusedReadWriteMounted means the device is currently mounted
	// read-write elsewhere: never safe to touch.
	ErrRefusedReadWriteMounted = errors.New("volume: refusing to operate on a read-write mounted device")
	// ErrRefusedChangeMounted means the device is mounted read-only and
	// the requested repair mode could still write to it.
	ErrRefusedChangeMounted = errors.New("volume: refusing to modify a read-only mounted device")
)

// MountState reports whether a device path is currently mounted, and under
// what mode, per the running system's mount table.
type MountState struct {
	Mounted  bool
	ReadOnly bool
}

// procMountsPath is a var so tests can point it at a fixture file.
var procMountsPath = "/proc/mounts"

// CheckIfMounted scans the system mount table for path, resolving symlinks
// first so a path reached through two different names still matches.
func CheckIfMounted(path string) (MountState, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}

	f, err := os.Open(procMountsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return MountState{}, nil
		}
		return MountState{}, err
	}
	defer f.Close()

	return scanMounts(f, resolved)
}

func scanMounts(r io.Reader, resolved string) (MountState, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		device := fields[0]
		if target, err := filepath.EvalSymlinks(device); err == nil {
			device = target
		}
		if device != resolved {
			continue
		}
		opts := strings.Split(fields[3], ",")
		readOnly := false
		for _, o := range opts {
			if o == "ro" {
				readOnly = true
			}
		}
		return MountState{Mounted: true, ReadOnly: readOnly}, nil
	}
	if err := scanner.Err(); err != nil {
		return MountState{}, err
	}
	return MountState{}, nil
}

// RefuseIfMounted mirrors the original checker's pre-mount guard: a
// read-write mounted device is always refused, and a read-only mounted one
// is refused unless the requested repair mode is read-only itself
// (ModeNo or ModeDirtyCheckOnly), since every other mode may write.
func RefuseIfMounted(path string, mode problem.Mode) error {
	state, err := CheckIfMounted(path)
	if err != nil {
		return fmt.Errorf("volume: determining mount state of %s: %w", path, err)
	}
	if !state.Mounted {
		return nil
	}
	if !state.ReadOnly {
		return fmt.Errorf("%w: %s", ErrRefusedReadWriteMounted, path)
	}
	if mode != problem.ModeNo && mode != problem.ModeDirtyCheckOnly {
		return fmt.Errorf("%w: %s", ErrRefusedChangeMounted, path)
	}
	return nil
}
