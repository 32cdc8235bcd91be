package hv

import (
	"errors"
	"fmt"
)

var (
	// ErrSystemReset is returned by the machine loop once the core has requested
	// a system reset through SCB AIRCR.
	ErrSystemReset = errors.New("system reset requested")
	ErrBusFault    = errors.New("bus fault")
)

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether an access of n bytes at addr lies entirely inside r.
func (r MMIORegion) Contains(addr uint64, n int) bool {
	end := addr + uint64(n)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("0x%08x-0x%08x", r.Address, r.Address+r.Size-1)
}

// ResetRequester is implemented by the part of the core that can be asked to
// reset the whole system.
type ResetRequester interface {
	RequestReset(reason string)
}

// ResetRequesterFunc adapts a function to ResetRequester.
type ResetRequesterFunc func(reason string)

func (f ResetRequesterFunc) RequestReset(reason string) {
	if f != nil {
		f(reason)
	}
}
