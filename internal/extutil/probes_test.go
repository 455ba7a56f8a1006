package extutil

import "testing"

func TestParseDmCryptTable(t *testing.T) {
	table := "0 102400 crypt aes-xts-plain64 0000000000000000000000000000000000000000000000000000000000000000 0 253:1 4096\n"
	got, err := ParseDmCryptTable(table)
	if err != nil {
		t.Fatalf("ParseDmCryptTable: %v", err)
	}
	if got.SectorCount != 102400 {
		t.Errorf("SectorCount = %d, want 102400", got.SectorCount)
	}
	if got.CipherMajor != 253 || got.CipherMinor != 1 {
		t.Errorf("major:minor = %d:%d, want 253:1", got.CipherMajor, got.CipherMinor)
	}
	if got.IVOffset != 4096 {
		t.Errorf("IVOffset = %d, want 4096", got.IVOffset)
	}
}

func TestParseDmCryptTableWithTrailingOptions(t *testing.T) {
	table := "0 204800 crypt aes-xts-plain64 0000000000000000000000000000000000000000000000000000000000000000 0 253:2 0 1 allow_discards\n"
	got, err := ParseDmCryptTable(table)
	if err != nil {
		t.Fatalf("ParseDmCryptTable: %v", err)
	}
	if got.SectorCount != 204800 {
		t.Errorf("SectorCount = %d, want 204800", got.SectorCount)
	}
}

func TestParseDmCryptTableRejectsNonCryptTable(t *testing.T) {
	table := "0 204800 linear 253:2 0\n"
	if _, err := ParseDmCryptTable(table); err == nil {
		t.Fatal("expected error for non-crypt table, got nil")
	}
}
