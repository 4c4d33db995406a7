package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/coldpool/zfscore/pkg/config"
	"github.com/coldpool/zfscore/pkg/ddt"
	"github.com/coldpool/zfscore/pkg/dmu"
	"github.com/coldpool/zfscore/pkg/spa"
	"github.com/coldpool/zfscore/pkg/vdev"
	"github.com/coldpool/zfscore/pkg/zinject"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "create, import, and drive a storage pool",
}

var (
	flagDevices     []string
	flagMirror      bool
	flagRaidZ       bool
	flagDedup       bool
	flagDeviceSize  config.Size
	flagFailMode    = config.FailWait
	flagFailDevice  string
	flagDelayDevice string
	flagDelayMillis int
)

func addPoolCreateFlags() {
	poolCreateCmd.Flags().StringSliceVar(&flagDevices, "devices", nil, "device files backing the pool's single top-level vdev")
	poolCreateCmd.Flags().BoolVar(&flagMirror, "mirror", false, "stripe the devices into a mirror instead of a single leaf/raidz")
	poolCreateCmd.Flags().BoolVar(&flagRaidZ, "raidz", false, "stripe the devices into a single-parity raidz vdev")
	poolCreateCmd.Flags().BoolVar(&flagDedup, "dedup", false, "enable block-level dedup, backed by an on-disk DDT")
	poolCreateCmd.Flags().Var(config.NewSizeValue(64*config.Mi, &flagDeviceSize), "device-size", "size to create each device file at, if it doesn't already exist (e.g. 64Mi, 1Gi)")
	poolCreateCmd.Flags().Var(config.NewFailModeValue(config.FailWait, &flagFailMode), "failmode", "pool behavior when no replica can satisfy an I/O (wait|continue|panic)")
}

// vdevFailMode maps the tunables-file/CLI FailMode (a plain string type so
// it round-trips through TOML and YAML) onto pkg/vdev's FailMode, the same
// way pkg/spa's deadmanMode maps it onto pkg/event's.
func vdevFailMode(fm config.FailMode) vdev.FailMode {
	switch fm {
	case config.FailContinue:
		return vdev.FailContinue
	case config.FailPanic:
		return vdev.FailPanic
	default:
		return vdev.FailWait
	}
}

func addPoolWriteFlags() {
	poolWriteCmd.Flags().StringVar(&flagFailDevice, "fail-device", "", "fail every I/O against the named leaf for this invocation only")
	poolWriteCmd.Flags().StringVar(&flagDelayDevice, "delay-device", "", "delay every I/O against the named leaf for this invocation only")
	poolWriteCmd.Flags().IntVar(&flagDelayMillis, "delay-ms", 0, "delay, in milliseconds, applied to --delay-device")
}

func addPoolReadFlags() {
	poolReadCmd.Flags().StringVar(&flagFailDevice, "fail-device", "", "fail every I/O against the named leaf for this invocation only")
	poolReadCmd.Flags().StringVar(&flagDelayDevice, "delay-device", "", "delay every I/O against the named leaf for this invocation only")
	poolReadCmd.Flags().IntVar(&flagDelayMillis, "delay-ms", 0, "delay, in milliseconds, applied to --delay-device")
}

func zcoreDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".zfscore", "pools")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func metaPathFor(name string) string {
	dir, err := zcoreDir()
	if err != nil {
		return name + ".zcore-meta"
	}
	return filepath.Join(dir, name+".zcore-meta")
}

func ddtPathFor(name string) string {
	dir, err := zcoreDir()
	if err != nil {
		return name + ".zcore-ddt"
	}
	return filepath.Join(dir, name+".zcore-ddt")
}

// buildConfig assembles a spa.Config over rec's registered devices,
// wrapping every leaf in a zinject.Injector (with reg, which may be an
// empty registry carrying no active faults) so pool write/read/sync can
// demonstrate §6.6's injection surface without special-casing the vdev
// tree. createSize, if nonzero, grows any missing or undersized device
// file to that capacity; a reopen of an existing pool passes zero.
func buildConfig(name string, rec poolRecord, createSize int64, reg *zinject.Registry) (spa.Config, func() error, error) {
	if len(rec.Devices) == 0 {
		return spa.Config{}, nil, errors.New("zcore: pool has no registered devices")
	}

	const ashift = 12

	leaves := make([]vdev.Vdev, len(rec.Devices))
	var metaBack *fileBackend
	var ddtTable *ddt.Table

	closeAll := func() error {
		var firstErr error
		if ddtTable != nil {
			if err := ddtTable.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if metaBack != nil {
			if err := metaBack.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	for idx, path := range rec.Devices {
		back, size, err := openFileBackend(path, createSize)
		if err != nil {
			closeAll()
			return spa.Config{}, nil, errors.Wrapf(err, "zcore: open device %q", path)
		}

		guid := uint64(idx + 1)
		leafName := filepath.Base(path)

		var backend vdev.Backend = back
		if reg != nil {
			backend = zinject.WrapBackend(back, guid, leafName, reg)
		}

		leaf := vdev.NewLeaf(guid, leafName, backend, ashift)
		leaf.SetCapacity(size)

		var lv vdev.Vdev = leaf
		if reg != nil {
			lv = zinject.Wrap(leaf, leafName, reg)
		}
		leaves[idx] = lv
	}

	var top vdev.Vdev
	switch {
	case rec.Mirror:
		top = vdev.NewMirror(100, leaves...)
	case rec.RaidZ:
		top = vdev.NewRaidZ(200, ashift, leaves...)
	default:
		top = leaves[0]
	}
	failMode := vdevFailMode(config.FailMode(rec.FailMode))
	root := vdev.NewRoot(300, failMode, top)

	metaBack, rings, rootBack, rootOff, err := openMetaFile(rec.Meta)
	if err != nil {
		closeAll()
		return spa.Config{}, nil, errors.Wrap(err, "zcore: open meta file")
	}

	tunPath := flagConfig
	if tunPath == "" {
		tunPath, _ = config.DefaultPath()
	}
	tun, err := config.Load(tunPath)
	if err != nil {
		closeAll()
		return spa.Config{}, nil, errors.Wrap(err, "zcore: load tunables")
	}

	if rec.Dedup {
		store, err := ddt.OpenStore(rec.DDTPath + ".store")
		if err != nil {
			closeAll()
			return spa.Config{}, nil, errors.Wrap(err, "zcore: open ddt store")
		}
		dlog, err := ddt.OpenLog(rec.DDTPath + ".log")
		if err != nil {
			store.Close()
			closeAll()
			return spa.Config{}, nil, errors.Wrap(err, "zcore: open ddt log")
		}
		ddtTable = ddt.NewTable(dlog, store)
	}

	cfg := spa.Config{
		Name:           name,
		Root:           root,
		Rings:          rings,
		RootDirBackend: rootBack,
		RootDirOffset:  rootOff,
		MetaslabSize:   16 * 1024 * 1024,
		Dedup:          rec.Dedup,
		DDT:            ddtTable,
		Tunables:       tun,
		Log:            log,
	}
	return cfg, closeAll, nil
}

// injectFlagsRegistry builds a registry carrying whatever one-shot
// --fail-device/--delay-device flags the caller passed, or nil if
// neither was given (buildConfig then skips the Injector layer).
func injectFlagsRegistry() *zinject.Registry {
	if flagFailDevice == "" && flagDelayDevice == "" {
		return nil
	}
	reg := zinject.NewRegistry(nil)
	if flagFailDevice != "" {
		reg.Add(zinject.Record{Type: zinject.TypeDeviceFault, VdevName: flagFailDevice})
	}
	if flagDelayDevice != "" {
		reg.Add(zinject.Record{
			Type:     zinject.TypeDelayIO,
			VdevName: flagDelayDevice,
			Delay:    durationMillis(flagDelayMillis),
		})
	}
	return reg
}

var poolCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "create a new pool over one or more device files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if len(flagDevices) == 0 {
			return errors.New("zcore: --devices is required")
		}

		rec := poolRecord{
			Devices:  flagDevices,
			Meta:     metaPathFor(name),
			Mirror:   flagMirror,
			RaidZ:    flagRaidZ,
			Dedup:    flagDedup,
			FailMode: string(flagFailMode),
		}
		if flagDedup {
			rec.DDTPath = ddtPathFor(name)
		}

		cfg, closeAll, err := buildConfig(name, rec, int64(flagDeviceSize), nil)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx := context.Background()
		pool, err := spa.Create(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "zcore: create pool")
		}
		if err := pool.Sync(ctx); err != nil {
			return errors.Wrap(err, "zcore: initial sync")
		}
		if err := pool.Close(ctx); err != nil {
			return errors.Wrap(err, "zcore: close pool")
		}

		if err := registerPool(name, rec); err != nil {
			return errors.Wrap(err, "zcore: save pool registry")
		}

		log.Infof("pool %q created across %d device(s)", name, len(flagDevices))
		return nil
	},
}

var poolStatusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "print a pool's vdev tree and per-leaf I/O statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		rec, err := lookupPool(name)
		if err != nil {
			return err
		}

		cfg, closeAll, err := buildConfig(name, rec, 0, nil)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx := context.Background()
		pool, err := spa.Open(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "zcore: open pool")
		}
		defer pool.Close(ctx)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"device", "state", "read errs", "write errs", "checksum errs"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)

		for _, leaf := range cfg.Root.TopLevel[0].Children() {
			stats := leaf.Stats()
			table.Append([]string{
				fmt.Sprintf("%d", leaf.GUID()),
				fmt.Sprintf("%d", leaf.State()),
				fmt.Sprintf("%d", stats.ReadErrors),
				fmt.Sprintf("%d", stats.WriteErrors),
				fmt.Sprintf("%d", stats.ChecksumErrors),
			})
		}
		if len(cfg.Root.TopLevel[0].Children()) == 0 {
			stats := cfg.Root.TopLevel[0].Stats()
			table.Append([]string{
				fmt.Sprintf("%d", cfg.Root.TopLevel[0].GUID()),
				fmt.Sprintf("%d", cfg.Root.TopLevel[0].State()),
				fmt.Sprintf("%d", stats.ReadErrors),
				fmt.Sprintf("%d", stats.WriteErrors),
				fmt.Sprintf("%d", stats.ChecksumErrors),
			})
		}
		table.Render()
		return nil
	},
}

// implicitObject is the single object every "pool write"/"pool read"
// invocation addresses: a CLI session has no durable concept of dataset
// namespaces or file handles, so (like zdb's raw object-id addressing)
// the CLI just exposes one plain-file object per pool, created on first
// write.
const implicitObject = 1

// ensureImplicitObject creates the CLI's one implicit object if this is
// the pool's first write, matching CreateObject's guarantee that the
// first object a freshly created or still-empty pool allocates is
// always id 1.
func ensureImplicitObject(ctx context.Context, pool *spa.Pool) {
	if _, err := pool.Read(ctx, implicitObject, 0, 0); err == spa.ErrNoSuchObject {
		pool.CreateObject(dmu.TypePlainFileContents, 0)
	}
}

var poolWriteCmd = &cobra.Command{
	Use:   "write <name> <offset> <data>",
	Short: "write data to the pool's object at a byte offset",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offset, err := parseInt64(args[1])
		if err != nil {
			return err
		}
		data := []byte(args[2])

		rec, err := lookupPool(name)
		if err != nil {
			return err
		}

		reg := injectFlagsRegistry()
		cfg, closeAll, err := buildConfig(name, rec, 0, reg)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx := context.Background()
		pool, err := spa.Open(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "zcore: open pool")
		}
		defer pool.Close(ctx)

		ensureImplicitObject(ctx, pool)

		if err := pool.WriteSync(ctx, implicitObject, offset, data); err != nil {
			return errors.Wrap(err, "zcore: write")
		}
		log.Infof("wrote %s at offset %d", bytefmt.ByteSize(uint64(len(data))), offset)
		return nil
	},
}

var poolReadCmd = &cobra.Command{
	Use:   "read <name> <offset> <length>",
	Short: "read length bytes from the pool's object at a byte offset",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		offset, err := parseInt64(args[1])
		if err != nil {
			return err
		}
		length, err := parseInt(args[2])
		if err != nil {
			return err
		}

		rec, err := lookupPool(name)
		if err != nil {
			return err
		}

		reg := injectFlagsRegistry()
		cfg, closeAll, err := buildConfig(name, rec, 0, reg)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx := context.Background()
		pool, err := spa.Open(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "zcore: open pool")
		}
		defer pool.Close(ctx)

		data, err := pool.Read(ctx, implicitObject, offset, length)
		if err != nil {
			return errors.Wrap(err, "zcore: read")
		}
		fmt.Printf("%s\n", data)
		return nil
	},
}

var poolSyncCmd = &cobra.Command{
	Use:   "sync <name>",
	Short: "force the current txg to sync and commit a new uberblock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		rec, err := lookupPool(name)
		if err != nil {
			return err
		}

		cfg, closeAll, err := buildConfig(name, rec, 0, nil)
		if err != nil {
			return err
		}
		defer closeAll()

		ctx := context.Background()
		pool, err := spa.Open(ctx, cfg)
		if err != nil {
			return errors.Wrap(err, "zcore: open pool")
		}
		defer pool.Close(ctx)

		if err := pool.Sync(ctx); err != nil {
			return errors.Wrap(err, "zcore: sync")
		}
		log.Infof("pool %q synced", name)
		return nil
	},
}

var poolListCmd = &cobra.Command{
	Use:   "list",
	Short: "list every pool registered with this CLI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"name", "devices", "mirror", "raidz", "dedup"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		for name, rec := range listPools() {
			table.Append([]string{
				name,
				fmt.Sprintf("%d", len(rec.Devices)),
				fmt.Sprintf("%t", rec.Mirror),
				fmt.Sprintf("%t", rec.RaidZ),
				fmt.Sprintf("%t", rec.Dedup),
			})
		}
		table.Render()
		return nil
	},
}
