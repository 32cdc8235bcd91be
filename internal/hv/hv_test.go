package hv

import "testing"

func TestLayoutHash(t *testing.T) {
	devices := []DeviceConfig{
		{ID: "nvic", Base: 0xe000e000, Size: 0x1000},
		{ID: "tim2", Base: 0x40000000, Size: 0x400, IRQLines: []uint32{28}},
	}
	a := ComputeLayoutHash(84_000_000, devices)
	if a != ComputeLayoutHash(84_000_000, devices) {
		t.Fatalf("hash is not deterministic")
	}
	if len(a.String()) != 64 || a.Short() != a.String()[:12] {
		t.Fatalf("String = %q Short = %q", a.String(), a.Short())
	}

	swapped := []DeviceConfig{devices[1], devices[0]}
	moved := []DeviceConfig{devices[0], {ID: "tim2", Base: 0x40000000, Size: 0x400, IRQLines: []uint32{29}}}
	for name, other := range map[string]LayoutHash{
		"clock":   ComputeLayoutHash(168_000_000, devices),
		"order":   ComputeLayoutHash(84_000_000, swapped),
		"irq":     ComputeLayoutHash(84_000_000, moved),
		"dropped": ComputeLayoutHash(84_000_000, devices[:1]),
	} {
		if other == a {
			t.Errorf("%s change kept the hash", name)
		}
	}
}

func TestRegionContains(t *testing.T) {
	r := MMIORegion{Address: 0x40000000, Size: 0x400}
	cases := []struct {
		addr uint64
		n    int
		want bool
	}{
		{0x40000000, 4, true},
		{0x400003fc, 4, true},
		{0x400003fe, 4, false},
		{0x3ffffffc, 4, false},
		{^uint64(0) - 1, 4, false},
	}
	for _, c := range cases {
		if got := r.Contains(c.addr, c.n); got != c.want {
			t.Errorf("Contains(%#x, %d) = %v, want %v", c.addr, c.n, got, c.want)
		}
	}
	if r.String() != "0x40000000-0x400003ff" {
		t.Errorf("String = %q", r.String())
	}
}

func TestResetRequesterFunc(t *testing.T) {
	var got string
	ResetRequesterFunc(func(reason string) { got = reason }).RequestReset("aircr")
	if got != "aircr" {
		t.Fatalf("reason = %q", got)
	}
	ResetRequesterFunc(nil).RequestReset("ignored")
}
