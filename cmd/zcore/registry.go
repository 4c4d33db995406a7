package main

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// poolRecord is what the CLI remembers about a pool between invocations:
// cobra commands are one-shot processes, so "zcore pool status mypool"
// has to rediscover the same device paths "zcore pool create mypool"
// used without the caller repeating them every time.
type poolRecord struct {
	Devices  []string `mapstructure:"devices"`
	Meta     string   `mapstructure:"meta"`
	Mirror   bool     `mapstructure:"mirror"`
	RaidZ    bool     `mapstructure:"raidz"`
	Dedup    bool     `mapstructure:"dedup"`
	DDTPath  string   `mapstructure:"ddt_path"`
	FailMode string   `mapstructure:"failmode"`
}

func registryPath() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".zcore-pools.yaml"), nil
}

func registryLoad() error {
	path, err := registryPath()
	if err != nil {
		return err
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	// A missing registry file just means no pool has been created yet;
	// every lookup against an empty viper store fails closed in
	// lookupPool, which is the right behavior either way.
	_ = viper.ReadInConfig()
	return nil
}

func registerPool(name string, rec poolRecord) error {
	pools := viper.GetStringMap("pools")
	if pools == nil {
		pools = map[string]interface{}{}
	}
	pools[name] = map[string]interface{}{
		"devices":  rec.Devices,
		"meta":     rec.Meta,
		"mirror":   rec.Mirror,
		"raidz":    rec.RaidZ,
		"dedup":    rec.Dedup,
		"ddt_path": rec.DDTPath,
		"failmode": rec.FailMode,
	}
	viper.Set("pools", pools)

	path, err := registryPath()
	if err != nil {
		return err
	}
	return viper.WriteConfigAs(path)
}

func lookupPool(name string) (poolRecord, error) {
	var rec poolRecord
	key := "pools." + name
	if !viper.IsSet(key) {
		return rec, fmt.Errorf("zcore: no registered pool named %q (run 'zcore pool create' first)", name)
	}
	if err := viper.UnmarshalKey(key, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func listPools() map[string]poolRecord {
	raw := viper.GetStringMap("pools")
	out := make(map[string]poolRecord, len(raw))
	for name := range raw {
		if rec, err := lookupPool(name); err == nil {
			out[name] = rec
		}
	}
	return out
}
