package config

import "fmt"

// SizeValue adapts Size to pflag.Value, the way pkg/flag's typed wrappers
// adapt vcfg types to pflag.FlagSet, so a tunable like zfs_arc_max can be
// set on the command line as "64Mi" instead of a raw byte count.
type SizeValue struct {
	size *Size
}

// NewSizeValue returns a pflag.Value bound to dst, seeded with an initial
// default.
func NewSizeValue(dflt Size, dst *Size) *SizeValue {
	*dst = dflt
	return &SizeValue{size: dst}
}

func (v *SizeValue) String() string {
	if v.size == nil {
		return ""
	}
	return v.size.String()
}

func (v *SizeValue) Set(s string) error {
	parsed, err := ParseSize(s)
	if err != nil {
		return err
	}
	*v.size = parsed
	return nil
}

func (v *SizeValue) Type() string { return "size" }

// FailModeValue adapts FailMode to pflag.Value with validation against the
// three recognized modes.
type FailModeValue struct {
	mode *FailMode
}

func NewFailModeValue(dflt FailMode, dst *FailMode) *FailModeValue {
	*dst = dflt
	return &FailModeValue{mode: dst}
}

func (v *FailModeValue) String() string {
	if v.mode == nil {
		return ""
	}
	return string(*v.mode)
}

func (v *FailModeValue) Set(s string) error {
	switch FailMode(s) {
	case FailWait, FailContinue, FailPanic:
		*v.mode = FailMode(s)
		return nil
	default:
		return fmt.Errorf("config: invalid failmode %q (want wait|continue|panic)", s)
	}
}

func (v *FailModeValue) Type() string { return "failmode" }
