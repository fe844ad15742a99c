// Package msr accesses x86 model-specific registers through the msr driver's
// per-CPU device files.
package msr

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"codeberg.org/mutker/powerd/internal/errors"
	"golang.org/x/sys/unix"
)

const DefaultRoot = "/dev/cpu"

type Register uint32

const (
	PowerCtl                 Register = 0x1FC
	ConfigTdpControl         Register = 0x64B
	CPUPerfLimitReasons      Register = 0x64F
	GraphicsPerfLimitReasons Register = 0x6B0
	RingPerfLimitReasons     Register = 0x6B1
)

func (r Register) String() string {
	return fmt.Sprintf("0x%X", uint32(r))
}

type Device struct {
	root string
}

func New(root string) Device {
	if root == "" {
		root = DefaultRoot
	}
	return Device{root: root}
}

func (d Device) path(cpu int) string {
	return filepath.Join(d.root, strconv.Itoa(cpu), "msr")
}

// Available reports whether the msr device for cpu exists.
func (d Device) Available(cpu int) bool {
	_, err := os.Stat(d.path(cpu))
	return err == nil
}

func (d Device) Read(cpu int, reg Register) (uint64, error) {
	errFactory := errors.New()

	fd, err := unix.Open(d.path(cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrMsrRead, err).
			WithMessage(fmt.Sprintf("failed to open msr for cpu %d", cpu))
	}
	defer unix.Close(fd)

	var buf [8]byte
	n, err := unix.Pread(fd, buf[:], int64(reg))
	if err != nil {
		return 0, errFactory.Wrap(errors.ErrMsrRead, err).
			WithMessage(fmt.Sprintf("failed to read msr %s on cpu %d", reg, cpu))
	}
	if n != len(buf) {
		return 0, errFactory.WithData(errors.ErrMsrRead, fmt.Sprintf("short read of msr %s on cpu %d", reg, cpu))
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (d Device) Write(cpu int, reg Register, val uint64) error {
	errFactory := errors.New()

	fd, err := unix.Open(d.path(cpu), unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return errFactory.Wrap(errors.ErrMsrWrite, err).
			WithMessage(fmt.Sprintf("failed to open msr for cpu %d", cpu))
	}
	defer unix.Close(fd)

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if _, err := unix.Pwrite(fd, buf[:], int64(reg)); err != nil {
		return errFactory.Wrap(errors.ErrMsrWrite, err).
			WithMessage(fmt.Sprintf("failed to write msr %s on cpu %d", reg, cpu))
	}

	return nil
}

func Bit(val uint64, bit uint) bool {
	return (val>>bit)&1 == 1
}

func SetBit(val uint64, bit uint, enabled bool) uint64 {
	mask := uint64(1) << bit
	if enabled {
		return val | mask
	}
	return val &^ mask
}

// Bits extracts the inclusive field lo..hi.
func Bits(val uint64, lo, hi uint) uint64 {
	width := hi - lo + 1
	if width >= 64 {
		return val >> lo
	}
	return (val >> lo) & (uint64(1)<<width - 1)
}

// SetBits replaces the inclusive field lo..hi with field, truncated to width.
func SetBits(val uint64, lo, hi uint, field uint64) uint64 {
	width := hi - lo + 1
	mask := ^uint64(0)
	if width < 64 {
		mask = (uint64(1)<<width - 1) << lo
	}
	return (val &^ mask) | ((field << lo) & mask)
}
