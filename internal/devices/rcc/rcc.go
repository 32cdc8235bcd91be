// Package rcc models the reset-cause part of the STM32F4 reset and clock
// controller: the RCC_CSR flags that tell firmware why it booted.
package rcc

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/tickloop/internal/chipset"
	"github.com/tinyrange/tickloop/internal/hv"
)

const (
	// CSRAddress is the absolute address of RCC_CSR.
	CSRAddress = 0x40023874

	RMVF     = 1 << 24
	BORRSTF  = 1 << 25
	PINRSTF  = 1 << 26
	PORRSTF  = 1 << 27
	SFTRSTF  = 1 << 28
	IWDGRSTF = 1 << 29
	WWDGRSTF = 1 << 30
	LPWRRSTF = 1 << 31

	flagMask = 0xFE000000

	// LSION and LSIRDY; the low-speed oscillator is always ready here.
	lsiOn  = 1 << 0
	lsiRdy = 1 << 1
)

// Device holds RCC_CSR. A system reset does not clear the reset flags; only
// RMVF or a power cycle does.
type Device struct {
	mu     sync.Mutex
	csr    uint32
	resets uint64
}

// New returns the device in its power-on state.
func New() *Device {
	d := &Device{}
	d.PowerOn()
	return d
}

// PowerOn models a cold start.
func (d *Device) PowerOn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.csr = PORRSTF | PINRSTF | BORRSTF
}

// RequestReset implements hv.ResetRequester. The core calls it when firmware
// asks for a system reset.
func (d *Device) RequestReset(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	switch reason {
	case "independent-watchdog":
		d.csr |= IWDGRSTF
	case "window-watchdog":
		d.csr |= WWDGRSTF
	case "pin":
		d.csr |= PINRSTF
	default:
		d.csr |= SFTRSTF
	}
	slog.Debug("rcc: reset requested", "reason", reason, "csr", fmt.Sprintf("0x%08x", d.csr))
}

// Flags returns the latched reset flags.
func (d *Device) Flags() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.csr & flagMask
}

// ResetRequests returns how many resets were requested since power-on.
func (d *Device) ResetRequests() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Start implements chipset.Lifecycle.
func (d *Device) Start() error { return nil }

// Stop implements chipset.Lifecycle.
func (d *Device) Stop() error { return nil }

// Reset implements chipset.Lifecycle. The reset flags are kept.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.csr &= flagMask
	return nil
}

// Registers implements chipset.Peripheral.
func (d *Device) Registers() hv.MMIORegion {
	return hv.MMIORegion{Address: CSRAddress, Size: 4}
}

// ReadMMIO implements chipset.RegisterHandler.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	if err := checkAccess(addr, data); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value := d.csr
	if value&lsiOn != 0 {
		value |= lsiRdy
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements chipset.RegisterHandler.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	if err := checkAccess(addr, data); err != nil {
		return err
	}
	value := binary.LittleEndian.Uint32(data)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.csr = d.csr&flagMask | value&lsiOn
	if value&RMVF != 0 {
		d.csr &^= flagMask
	}
	return nil
}

func checkAccess(addr uint64, data []byte) error {
	if addr != CSRAddress || len(data) != 4 {
		return fmt.Errorf("rcc: unsupported %d byte access at 0x%x", len(data), addr)
	}
	return nil
}

var (
	_ chipset.Peripheral = (*Device)(nil)
	_ hv.ResetRequester  = (*Device)(nil)
)
