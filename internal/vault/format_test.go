package vault

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	var h header
	randomBytes(h.salt[:])
	randomBytes(h.encMaster[:])
	randomBytes(h.masterNonce[:])
	h.lastServer = 0x1122334455667788

	buf := h.encode()
	if len(buf) != headerBlobSize {
		t.Fatalf("encoded header length = %d, want %d", len(buf), headerBlobSize)
	}
	if buf[offVersion] != formatVersion {
		t.Errorf("version byte = %d, want %d", buf[offVersion], formatVersion)
	}
	for i := 1; i < 8; i++ {
		if buf[i] != 0 {
			t.Errorf("reserved byte %d is %d, want 0", i, buf[i])
		}
	}
	if got := binary.LittleEndian.Uint64(buf[offLastServer:]); got != h.lastServer {
		t.Errorf("last server time on disk = %#x, want %#x", got, h.lastServer)
	}

	got, err := decodeHeader(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(h, got, cmp.AllowUnexported(header{})); diff != "" {
		t.Errorf("header round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeHeaderRejects(t *testing.T) {
	if _, err := decodeHeader(make([]byte, headerBlobSize-1)); err != ErrFile {
		t.Errorf("short buffer: got %v, want %v", err, ErrFile)
	}
	buf := (&header{}).encode()
	buf[offVersion] = formatVersion + 1
	if _, err := decodeHeader(buf); err != ErrFile {
		t.Errorf("bad version: got %v, want %v", err, ErrFile)
	}
}

func TestSlotRoundTrip(t *testing.T) {
	want := slot{state: stateActive, fileOffset: 236, keyLen: 5, valLen: 7}
	var buf [LocSize]byte
	want.encode(buf[:])

	if got := binary.LittleEndian.Uint32(buf[0:]); got != stateActive {
		t.Errorf("state on disk = %#x, want %#x", got, stateActive)
	}
	if diff := cmp.Diff(want, decodeSlot(buf[:]), cmp.AllowUnexported(slot{})); diff != "" {
		t.Errorf("slot round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLayoutArithmetic(t *testing.T) {
	if heapStart(InitialSize) != HeaderSize+InitialSize*LocSize {
		t.Error("heap start miscomputed")
	}
	if slotTableOffset(0) != HeaderSize {
		t.Error("slot table must start right after the slot count")
	}
	if slotTableOffset(3) != HeaderSize+3*LocSize {
		t.Error("slot offsets must stride by LocSize")
	}
	// S1 record: key "email" (5), value "a@b.com" (7).
	if got := recordSize(5, 7); got != 9+5+7+16+24+32 {
		t.Errorf("recordSize(5,7) = %d, want 93", got)
	}
}

func TestVaultPath(t *testing.T) {
	if got := vaultPath("/tmp", "alice"); got != "/tmp/alice.vault" {
		t.Errorf("vaultPath = %q", got)
	}
}
