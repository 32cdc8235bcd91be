package rcc

import (
	"encoding/binary"
	"testing"
)

func readCSR(t *testing.T, d *Device) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := d.ReadMMIO(CSRAddress, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeCSR(t *testing.T, d *Device, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := d.WriteMMIO(CSRAddress, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestPowerOnFlags(t *testing.T) {
	d := New()
	if got := readCSR(t, d); got != PORRSTF|PINRSTF|BORRSTF {
		t.Fatalf("csr = %#x", got)
	}
}

func TestRemoveFlagsClearsAll(t *testing.T) {
	d := New()
	d.RequestReset("software")
	writeCSR(t, d, RMVF)
	if got := readCSR(t, d); got != 0 {
		t.Fatalf("csr after RMVF = %#x", got)
	}

	// Writing a flag bit directly does not set it.
	writeCSR(t, d, SFTRSTF)
	if d.Flags() != 0 {
		t.Fatalf("flags writable: %#x", d.Flags())
	}
}

func TestFlagsSurviveReset(t *testing.T) {
	d := New()
	writeCSR(t, d, RMVF)
	writeCSR(t, d, lsiOn)

	d.RequestReset("software")
	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	csr := readCSR(t, d)
	if csr&SFTRSTF == 0 {
		t.Fatalf("SFTRSTF lost across reset: %#x", csr)
	}
	if csr&(lsiOn|lsiRdy) != 0 {
		t.Fatalf("LSI state survived reset: %#x", csr)
	}
	if d.ResetRequests() != 1 {
		t.Fatalf("reset requests = %d", d.ResetRequests())
	}
}

func TestResetReasons(t *testing.T) {
	cases := []struct {
		reason string
		flag   uint32
	}{
		{"software", SFTRSTF},
		{"independent-watchdog", IWDGRSTF},
		{"window-watchdog", WWDGRSTF},
		{"pin", PINRSTF},
	}
	for _, tc := range cases {
		d := New()
		writeCSR(t, d, RMVF)
		d.RequestReset(tc.reason)
		if d.Flags() != tc.flag {
			t.Fatalf("%s: flags = %#x, want %#x", tc.reason, d.Flags(), tc.flag)
		}
	}
}

func TestOnlyWordAccessAtCSR(t *testing.T) {
	d := New()
	if err := d.ReadMMIO(CSRAddress, make([]byte, 1)); err == nil {
		t.Fatalf("byte read accepted")
	}
	if err := d.WriteMMIO(CSRAddress+4, make([]byte, 4)); err == nil {
		t.Fatalf("write outside CSR accepted")
	}
}
