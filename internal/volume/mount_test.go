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
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
)

func TestScanMountsFindsReadOnlyEntry(t *testing.T) {
	table := "/dev/sdb1 /mnt/data ntfs ro,relatime 0 0\n" +
		"/dev/sda1 / ext4 rw,relatime 0 0\n"
	state, err := scanMounts(strings.NewReader(table), "/dev/sdb1")
	require.NoError(t, err)
	assert.True(t, state.Mounted)
	assert.True(t, state.ReadOnly)
}

func TestScanMountsFindsReadWriteEntry(t *testing.T) {
	table := "/dev/sdb1 /mnt/data ntfs rw,relatime 0 0\n"
	state, err := scanMounts(strings.NewReader(table), "/dev/sdb1")
	require.NoError(t, err)
	assert.True(t, state.Mounted)
	assert.False(t, state.ReadOnly)
}

func TestScanMountsNotFound(t *testing.T) {
	table := "/dev/sda1 / ext4 rw,relatime 0 0\n"
	state, err := scanMounts(strings.NewReader(table), "/dev/sdb1")
	require.NoError(t, err)
	assert.False(t, state.Mounted)
}

func TestScanMountsIgnoresShortLines(t *testing.T) {
	table := "garbage line\n/dev/sdb1 /mnt/data ntfs ro 0 0\n"
	state, err := scanMounts(strings.NewReader(table), "/dev/sdb1")
	require.NoError(t, err)
	assert.True(t, state.Mounted)
	assert.True(t, state.ReadOnly)
}

func TestRefuseIfMountedRefusesReadWrite(t *testing.T) {
	orig := procMountsPath
	defer func() { procMountsPath = orig }()
	dir := t.TempDir()
	path := dir + "/mounts"
	require.NoError(t, writeFile(path, "/no/such/device /mnt ntfs rw 0 0\n"))
	procMountsPath = path

	err := RefuseIfMounted("/no/such/device", problem.ModeAuto)
	assert.ErrorIs(t, err, ErrRefusedReadWriteMounted)
}

func TestRefuseIfMountedAllowsReadOnlyUnderModeNo(t *testing.T) {
	orig := procMountsPath
	defer func() { procMountsPath = orig }()
	dir := t.TempDir()
	path := dir + "/mounts"
	require.NoError(t, writeFile(path, "/no/such/device /mnt ntfs ro 0 0\n"))
	procMountsPath = path

	err := RefuseIfMounted("/no/such/device", problem.ModeNo)
	assert.NoError(t, err)
}

func TestRefuseIfMountedRefusesReadOnlyUnderModeAuto(t *testing.T) {
	orig := procMountsPath
	defer func() { procMountsPath = orig }()
	dir := t.TempDir()
	path := dir + "/mounts"
	require.NoError(t, writeFile(path, "/no/such/device /mnt ntfs ro 0 0\n"))
	procMountsPath = path

	err := RefuseIfMounted("/no/such/device", problem.ModeAuto)
	assert.ErrorIs(t, err, ErrRefusedChangeMounted)
}

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}
