package blkptr

import "testing"

func sampleBP() *BP {
	bp := &BP{
		NDVAs:    2,
		LSize:    4096,
		PSize:    2048,
		Compress: 1,
		Checksum: 7,
		Birth:    42,
		FillCount: 1,
	}
	bp.DVAs[0] = DVA{Vdev: 1, Offset: 8192, ASize: 2048}
	bp.DVAs[1] = DVA{Vdev: 2, Offset: 16384, ASize: 2048, Gang: true}
	bp.CksumOrMAC[0] = 0xAB
	return bp
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	bp := sampleBP()
	raw, err := bp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.NDVAs != bp.NDVAs || got.LSize != bp.LSize || got.PSize != bp.PSize {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, bp)
	}
	if got.DVAs[1].Gang != true || got.DVAs[1].Offset != 16384 {
		t.Fatalf("dva round trip mismatch: %+v", got.DVAs[1])
	}
	if got.Birth != 42 || got.FillCount != 1 {
		t.Fatalf("birth/fill round trip mismatch: %+v", got)
	}
}

func TestValidateRejectsMissingBirth(t *testing.T) {
	bp := sampleBP()
	bp.Birth = 0
	if err := bp.Validate(); err == nil {
		t.Fatal("expected error for birth_txg == 0")
	}
}

func TestValidateRejectsBadNDVAs(t *testing.T) {
	bp := sampleBP()
	bp.NDVAs = 0
	if err := bp.Validate(); err != nil {
		t.Fatalf("ndvas==0 should be a valid hole: %v", err)
	}

	bp.NDVAs = 4
	if err := bp.Validate(); err == nil {
		t.Fatal("expected error for ndvas > MaxDVAs")
	}
}

func TestHoleIsValid(t *testing.T) {
	bp := &BP{}
	if !bp.IsHole() {
		t.Fatal("zero-value bp should be a hole")
	}
	if err := bp.Validate(); err != nil {
		t.Fatalf("hole should validate: %v", err)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	bp := sampleBP()
	bp.Crypt = CryptAESGCM
	salt := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	iv := [8]byte{8, 7, 6, 5, 4, 3, 2, 1}
	mac := [16]byte{}
	for i := range mac {
		mac[i] = byte(i)
	}
	bp.SetAuth(salt, iv, mac)

	gotSalt, gotIV, gotMAC := bp.Auth()
	if gotSalt != salt || gotIV != iv || gotMAC != mac {
		t.Fatal("auth triple did not round trip")
	}
}
