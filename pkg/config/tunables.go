// Package config holds the pool's runtime tunables (§6.5) and dataset/pool
// properties, parsed from a TOML file the way the teacher's pkg/vcfg
// parses VCFG documents, with a Size type cloned from vcfg.Size for
// byte-quantity tunables.
package config

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sisatech/toml"
)

// FailMode mirrors event.FailMode's string values for TOML round-tripping
// without pkg/config importing pkg/event.
type FailMode string

const (
	FailWait     FailMode = "wait"
	FailContinue FailMode = "continue"
	FailPanic    FailMode = "panic"
)

// Tunables holds every option named in spec §6.5.
type Tunables struct {
	ArcMax Size `toml:"zfs_arc_max"`
	ArcMin Size `toml:"zfs_arc_min"`

	ArcShrinkerLimit Size `toml:"zfs_arc_shrinker_limit"`
	ArcPcPercent     int  `toml:"zfs_arc_pc_percent"`

	DirtyDataMax        Size `toml:"zfs_dirty_data_max"`
	DirtyDataMaxPercent int  `toml:"zfs_dirty_data_max_percent"`
	DirtyDataMaxMax     Size `toml:"zfs_dirty_data_max_max"`

	DelayMaxNs        int64   `toml:"zfs_delay_max_ns"`
	DelayScale        float64 `toml:"zfs_delay_scale"`
	DelayMinDirtyPct  int     `toml:"zfs_delay_min_dirty_percent"`

	VdevSyncReadMinActive  int `toml:"zfs_vdev_sync_read_min_active"`
	VdevSyncReadMaxActive  int `toml:"zfs_vdev_sync_read_max_active"`
	VdevSyncWriteMinActive int `toml:"zfs_vdev_sync_write_min_active"`
	VdevSyncWriteMaxActive int `toml:"zfs_vdev_sync_write_max_active"`

	VdevAsyncReadMinActive  int `toml:"zfs_vdev_async_read_min_active"`
	VdevAsyncReadMaxActive  int `toml:"zfs_vdev_async_read_max_active"`
	VdevAsyncWriteMinActive int `toml:"zfs_vdev_async_write_min_active"`
	VdevAsyncWriteMaxActive int `toml:"zfs_vdev_async_write_max_active"`

	VdevAggregationLimit Size `toml:"zfs_vdev_aggregation_limit"`
	VdevReadGapLimit      Size `toml:"zfs_vdev_read_gap_limit"`
	VdevWriteGapLimit     Size `toml:"zfs_vdev_write_gap_limit"`
	VdevQueueDepthPct     int  `toml:"zfs_vdev_queue_depth_pct"`

	TxgTimeoutSeconds int `toml:"zfs_txg_timeout"`

	DeadmanSynctimeMs int      `toml:"zfs_deadman_synctime_ms"`
	DeadmanZiotimeMs  int      `toml:"zfs_deadman_ziotime_ms"`
	FailMode          FailMode `toml:"failmode"`

	MultihostIntervalMs   int `toml:"zfs_multihost_interval"`
	MultihostImportIntvls int `toml:"zfs_multihost_import_intervals"`
	MultihostFailIntvls   int `toml:"zfs_multihost_fail_intervals"`

	MultilistNumSublists int `toml:"zfs_multilist_num_sublists"`

	Fletcher4Impl string `toml:"zfs_fletcher_4_impl"`

	CompressedArcEnabled bool `toml:"zfs_compressed_arc_enabled"`

	LivelistMinPercentShared int  `toml:"zfs_livelist_min_percent_shared"`
	LivelistEnabled          bool `toml:"zfs_livelist_enabled"`

	ScanLegacy         bool `toml:"zfs_scan_legacy"`
	ScanVdevLimit      Size `toml:"zfs_scan_vdev_limit"`
	ResilverMinTimeMs  int  `toml:"zfs_resilver_min_time_ms"`
}

// Default returns a Tunables populated with the pool's historical
// defaults, so a tunables file only needs to express overrides.
func Default() Tunables {
	return Tunables{
		ArcMax:                  0, // 0 means "auto-size to physical memory"
		ArcMin:                  64 * Mi,
		ArcShrinkerLimit:        10000,
		ArcPcPercent:            0,
		DirtyDataMax:            0,
		DirtyDataMaxPercent:     10,
		DirtyDataMaxMax:         0,
		DelayMaxNs:              100 * 1000 * 1000,
		DelayScale:              500000,
		DelayMinDirtyPct:        60,
		VdevSyncReadMinActive:   10,
		VdevSyncReadMaxActive:   10,
		VdevSyncWriteMinActive:  10,
		VdevSyncWriteMaxActive:  10,
		VdevAsyncReadMinActive:  1,
		VdevAsyncReadMaxActive:  3,
		VdevAsyncWriteMinActive: 2,
		VdevAsyncWriteMaxActive: 10,
		VdevAggregationLimit:    1 * Mi,
		VdevReadGapLimit:        32 * Ki,
		VdevWriteGapLimit:       4 * Ki,
		VdevQueueDepthPct:       1000,
		TxgTimeoutSeconds:       5,
		DeadmanSynctimeMs:       600000,
		DeadmanZiotimeMs:        300000,
		FailMode:                FailWait,
		MultihostIntervalMs:     1000,
		MultihostImportIntvls:   20,
		MultihostFailIntvls:     10,
		MultilistNumSublists:    0, // 0 means "derive from logical CPU count"
		Fletcher4Impl:           "fastest",
		CompressedArcEnabled:    true,
		LivelistMinPercentShared: 75,
		LivelistEnabled:          true,
		ScanLegacy:               false,
		ScanVdevLimit:            16 * Mi,
		ResilverMinTimeMs:        3000,
	}
}

// DefaultPath returns the default tunables file location under the user's
// home directory, the way the teacher resolves vorteil's config directory
// via go-homedir.
func DefaultPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".zfscore", "tunables.toml"), nil
}

// Load reads tunables from path, overlaying them onto Default(). A missing
// file is not an error; it just means every tunable keeps its default.
func Load(path string) (Tunables, error) {
	t := Default()

	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, err
	}

	if err := toml.Unmarshal(data, &t); err != nil {
		return t, err
	}
	return t, nil
}

// Save writes tunables to path as TOML, creating parent directories as
// needed.
func Save(path string, t Tunables) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	enc := toml.NewEncoder(buf)
	if err := enc.Encode(t); err != nil {
		return err
	}
	return ioutil.WriteFile(path, buf.Bytes(), 0644)
}
