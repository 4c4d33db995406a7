package zinject

import (
	"context"
	"time"

	"github.com/coldpool/zfscore/pkg/vdev"
)

// Injector wraps a vdev.Vdev and consults a Registry before every I/O,
// the way a real fault-injection layer sits transparently inside the
// vdev tree instead of requiring every caller to check a global table
// itself. A pool wires it in by replacing a top-level vdev (or a leaf)
// with an *Injector built over it; every other layer keeps dispatching
// through the ordinary vdev.Vdev interface.
type Injector struct {
	child    vdev.Vdev
	name     string
	registry *Registry
}

// Wrap builds an Injector over child, identified to the registry by name
// (matched against Record.VdevName; Record.VdevGUID is matched against
// child.GUID() directly).
func Wrap(child vdev.Vdev, name string, registry *Registry) *Injector {
	return &Injector{child: child, name: name, registry: registry}
}

func (i *Injector) GUID() uint64      { return i.child.GUID() }
func (i *Injector) State() vdev.State { return i.child.State() }
func (i *Injector) Aux() vdev.Aux     { return i.child.Aux() }
func (i *Injector) DTL() *vdev.DTL    { return i.child.DTL() }
func (i *Injector) Children() []vdev.Vdev {
	return i.child.Children()
}
func (i *Injector) Stats() vdev.Stats { return i.child.Stats() }
func (i *Injector) SetState(s vdev.State, aux vdev.Aux) {
	i.child.SetState(s, aux)
}

func (i *Injector) Open(ctx context.Context) (int64, uint, error) {
	return i.child.Open(ctx)
}

func (i *Injector) Close(ctx context.Context) error {
	return i.child.Close(ctx)
}

// IOStart checks the registry for a matching DEVICE_FAULT or DELAY_IO
// before dispatching to the wrapped vdev. It calls CheckDevice with no
// bookmark and an empty path, so device-wide records match; a record
// carrying a Bookmark matches only the all-zero bookmark, and one carrying
// a PathPattern only if that pattern matches the empty path. birth plays
// no part in the match. No other layer calls CheckDevice.
func (i *Injector) IOStart(ctx context.Context, kind vdev.IOKind, off, length int64, buf []byte, birth uint64) error {
	fail, delay := i.registry.CheckDevice(i.GUID(), i.name, nil, "")
	if fail {
		return vdev.ErrNoReplicas
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return i.child.IOStart(ctx, kind, off, length, buf, birth)
}

// InjectBackend wraps a vdev.Backend (a leaf's raw label/data storage)
// and consults the registry for LABEL_FAULT records before serving a
// read that falls within one of the four per-device labels, resolving
// the touched section by name via vdev.LabelOffset so §6.6's
// label_uberblock/label_nvlist/label_pad1/label_pad2 targeting works
// against whichever label slot the read actually lands in.
type InjectBackend struct {
	child    vdev.Backend
	guid     uint64
	name     string
	registry *Registry
}

// WrapBackend builds an InjectBackend over child.
func WrapBackend(child vdev.Backend, guid uint64, name string, registry *Registry) *InjectBackend {
	return &InjectBackend{child: child, guid: guid, name: name, registry: registry}
}

func (b *InjectBackend) ReadAt(p []byte, off int64) (int, error) {
	if sec, ok := labelSectionAt(off); ok {
		if b.registry.CheckLabel(b.guid, b.name, sec) {
			return 0, vdev.ErrChecksumMismatch
		}
	}
	return b.child.ReadAt(p, off)
}

func (b *InjectBackend) WriteAt(p []byte, off int64) (int, error) {
	if sec, ok := labelSectionAt(off); ok {
		if b.registry.CheckLabel(b.guid, b.name, sec) {
			return 0, vdev.ErrChecksumMismatch
		}
	}
	return b.child.WriteAt(p, off)
}

func (b *InjectBackend) Flush() error { return b.child.Flush() }
func (b *InjectBackend) Close() error { return b.child.Close() }

// labelSectionAt reports which named label section, if any, byte offset
// off falls within, searching all four label slots per §6.2.
func labelSectionAt(off int64) (vdev.LabelSectionName, bool) {
	sections := []vdev.LabelSectionName{
		vdev.LabelSectionPad1,
		vdev.LabelSectionPad2,
		vdev.LabelSectionNVList,
		vdev.LabelSectionUberblock,
	}
	for idx := 0; idx < vdev.LabelCount; idx++ {
		for _, sec := range sections {
			start, size, err := vdev.LabelOffset(idx, sec)
			if err != nil {
				continue
			}
			if off >= start && off < start+size {
				return sec, true
			}
		}
	}
	return "", false
}
