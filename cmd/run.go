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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ntfsck-go/ntfsck/cfg"
	"github.com/ntfsck-go/ntfsck/internal/logger"
	"github.com/ntfsck-go/ntfsck/internal/metrics"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/fsck"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

// repairModeToEngineMode translates the CLI-facing repair mode into the
// problem engine's mode: the two enums are kept distinct because cfg's
// exists purely to parse flags, while problem.Mode also gates the volume's
// read-only/read-write open decision deep inside internal/volume.
func repairModeToEngineMode(m cfg.RepairMode) problem.Mode {
	switch m {
	case cfg.RepairNo:
		return problem.ModeNo
	case cfg.RepairAsk:
		return problem.ModeAsk
	case cfg.RepairYes:
		return problem.ModeYes
	case cfg.RepairDirtyCheckOnly:
		return problem.ModeDirtyCheckOnly
	default:
		return problem.ModeAuto
	}
}

// runNtfsck opens c.Device under the resolved repair mode and either
// answers the dirty-flag-only question or drives the full five-pass check,
// returning the process exit code the caller should use.
func runNtfsck(c *cfg.Config) (int, error) {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	log, err := logger.Init(c.LogFile, level, c.Quiet)
	if err != nil {
		return 8, fmt.Errorf("cmd: initializing logger: %w", err)
	}

	engineMode := repairModeToEngineMode(c.RepairMode)

	vol, err := volume.Open(c.Device, engineMode)
	if err != nil {
		return 8, fmt.Errorf("cmd: opening %s: %w", c.Device, err)
	}
	defer vol.Close()

	stream, err := fsck.OpenMftStream(vol)
	if err != nil {
		return 8, fmt.Errorf("cmd: reading $MFT: %w", err)
	}

	if engineMode == problem.ModeDirtyCheckOnly {
		dirty, err := fsck.VolumeDirty(stream, vol.SectorSize(), vol.MftRecordSize())
		if err != nil {
			return 8, fmt.Errorf("cmd: checking volume dirty flag: %w", err)
		}
		if dirty {
			log.Warn("volume dirty flag is set")
			return 4, nil
		}
		log.Info("volume dirty flag is clear")
		return 0, nil
	}

	var in io.Reader
	if engineMode == problem.ModeAsk {
		in = os.Stdin
	}
	engine := problem.NewEngine(engineMode, os.Stdout, in)
	engine.AllowReparseTagFix = c.FixReparseTags

	collector := metrics.NewCollector()
	session := fsck.NewSession(vol, stream, engine, vol.NrClusters(), stream.NrRecords())
	session.Metrics = collector

	nrWorkers := 1
	if c.ParallelMftScan {
		nrWorkers = int(c.MftScanWorkers)
	}
	if err := fsck.Run(session, fsck.RunOptions{NrWorkers: nrWorkers}); err != nil {
		return 8, fmt.Errorf("cmd: running check: %w", err)
	}

	summary, err := collector.Summary()
	if err != nil {
		return 8, fmt.Errorf("cmd: rendering metrics: %w", err)
	}
	log.Info("check complete", "exit_code", engine.ExitCode())
	log.Debug(summary)

	return engine.ExitCode(), nil
}
