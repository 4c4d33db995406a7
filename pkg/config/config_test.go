package config

import (
	"path/filepath"
	"testing"
)

func TestParseSizeRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want Size
	}{
		{"64Mi", 64 * Mi},
		{"1Gi", 1 * Gi},
		{"512Ki", 512 * Ki},
		{"1024", 1024},
		{"", 0},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestSizeStringPicksLargestAlignedUnit(t *testing.T) {
	if s := (64 * Mi).String(); s != "64Mi" {
		t.Fatalf("got %q", s)
	}
	if s := Size(1536).String(); s != "1536" {
		t.Fatalf("got %q", s)
	}
}

func TestParseSizeRejectsNegative(t *testing.T) {
	if _, err := ParseSize("-5Mi"); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(filepath.Join(dir, "does-not-exist.toml"))
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	if got.ArcMin != want.ArcMin || got.FailMode != want.FailMode {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.toml")

	t1 := Default()
	t1.ArcMax = 512 * Mi
	t1.FailMode = FailContinue
	t1.TxgTimeoutSeconds = 10

	if err := Save(path, t1); err != nil {
		t.Fatal(err)
	}

	t2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if t2.ArcMax != t1.ArcMax {
		t.Fatalf("ArcMax round trip: got %v want %v", t2.ArcMax, t1.ArcMax)
	}
	if t2.FailMode != t1.FailMode {
		t.Fatalf("FailMode round trip: got %v want %v", t2.FailMode, t1.FailMode)
	}
	if t2.TxgTimeoutSeconds != t1.TxgTimeoutSeconds {
		t.Fatalf("TxgTimeoutSeconds round trip: got %v want %v", t2.TxgTimeoutSeconds, t1.TxgTimeoutSeconds)
	}
}

func TestSizeValueSetAndString(t *testing.T) {
	var dst Size
	v := NewSizeValue(0, &dst)
	if err := v.Set("256Mi"); err != nil {
		t.Fatal(err)
	}
	if dst != 256*Mi {
		t.Fatalf("got %v", dst)
	}
	if v.String() != "256Mi" {
		t.Fatalf("got %q", v.String())
	}
}

func TestFailModeValueRejectsUnknown(t *testing.T) {
	var dst FailMode
	v := NewFailModeValue(FailWait, &dst)
	if err := v.Set("explode"); err == nil {
		t.Fatal("expected error for unknown failmode")
	}
	if err := v.Set("panic"); err != nil {
		t.Fatal(err)
	}
	if dst != FailPanic {
		t.Fatalf("got %v", dst)
	}
}
