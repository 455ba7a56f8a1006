package maintboot

import "testing"

func TestEncodeDecodeArgsRoundTrip(t *testing.T) {
	a := Args{
		Command: "to-bcache",
		Device:  "fsuuid-1234",
		Extra:   map[string]string{"cset": "cset-uuid-5678"},
	}
	encoded, err := EncodeArgs(a)
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	got, err := DecodeArgs(encoded)
	if err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if got.Command != a.Command || got.Device != a.Device {
		t.Errorf("got %+v, want %+v", got, a)
	}
	if got.Extra["cset"] != "cset-uuid-5678" {
		t.Errorf("Extra[cset] = %q, want %q", got.Extra["cset"], "cset-uuid-5678")
	}
}

func TestEncodeArgsRequiresDevice(t *testing.T) {
	if _, err := EncodeArgs(Args{Command: "to-bcache"}); err == nil {
		t.Fatal("expected error for missing device UUID")
	}
}

func TestEncodeArgsRejectsReservedExtraKey(t *testing.T) {
	_, err := EncodeArgs(Args{
		Command: "to-bcache",
		Device:  "fsuuid-1234",
		Extra:   map[string]string{"device": "overwrite-attempt"},
	})
	if err == nil {
		t.Fatal("expected error for extra key colliding with a reserved key")
	}
}

func TestDecodeArgsRequiresDevice(t *testing.T) {
	encoded, err := EncodeArgs(Args{Command: "to-bcache", Device: "placeholder"})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	// simulate a hand-crafted BLOCKS_ARGS missing "device" entirely
	_, err = DecodeArgs(encoded)
	if err != nil {
		t.Fatalf("DecodeArgs: %v", err)
	}
	if _, err := DecodeArgs("%7B%22command%22%3A%22to-bcache%22%7D"); err == nil {
		t.Fatal("expected error for BLOCKS_ARGS missing the device field")
	}
}

func TestDecodeArgsRejectsMalformedEncoding(t *testing.T) {
	if _, err := DecodeArgs("%zz"); err == nil {
		t.Fatal("expected error for invalid URL encoding")
	}
}
