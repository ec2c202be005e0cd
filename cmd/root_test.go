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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/cfg"
)

func TestCobraArgsNumInRange(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		expectError bool
	}{
		{name: "no device", args: []string{}, expectError: true},
		{name: "one device", args: []string{"/dev/sdb1"}, expectError: false},
		{name: "too many args", args: []string{"/dev/sdb1", "extra"}, expectError: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := NewRootCmd(func(*cfg.Config) (int, error) { return 0, nil })
			require.NoError(t, err)
			cmd.SetArgs(tc.args)

			err = cmd.Execute()

			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRootCmdResolvesDeviceAndRepairMode(t *testing.T) {
	var seen *cfg.Config
	cmd, err := NewRootCmd(func(c *cfg.Config) (int, error) {
		seen = c
		return 0, nil
	})
	require.NoError(t, err)
	cmd.SetArgs([]string{"--repair-yes", "--verbose", "/dev/sdb1"})

	require.NoError(t, cmd.Execute())

	require.NotNil(t, seen)
	assert.Equal(t, "/dev/sdb1", seen.Device)
	assert.Equal(t, cfg.RepairYes, seen.RepairMode)
	assert.True(t, seen.Verbose)
}

func TestRootCmdRejectsConflictingRepairFlags(t *testing.T) {
	cmd, err := NewRootCmd(func(*cfg.Config) (int, error) { return 0, nil })
	require.NoError(t, err)
	cmd.SetArgs([]string{"--repair-no", "--repair-yes", "/dev/sdb1"})

	err = cmd.Execute()

	assert.ErrorIs(t, err, cfg.ErrConflictingRepairFlags)
}

func TestRootCmdPropagatesRunError(t *testing.T) {
	wantErr := assert.AnError
	cmd, err := NewRootCmd(func(*cfg.Config) (int, error) { return 0, wantErr })
	require.NoError(t, err)
	cmd.SetArgs([]string{"/dev/sdb1"})

	err = cmd.Execute()

	assert.ErrorIs(t, err, wantErr)
}
