//go:build linux

// Package tun opens a real Linux TUN device. This is a reference
// implementation of the device.Device external collaborator; the core
// engine only ever depends on the device.Device interface.
package tun

import (
	"context"
	"fmt"
	"os"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca // TUNSETIFF
)

// ifReq mirrors struct ifreq as used by the TUNSETIFF ioctl.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Open opens /dev/net/tun and binds it to a new "tun%d" interface in
// IFF_TUN|IFF_NO_PI mode.
func Open() (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tun: open /dev/net/tun")
	}
	name, err := ioctlSetIfName(fd, "tun%d", unix.IFF_TUN|unix.IFF_NO_PI)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "tun: TUNSETIFF")
	}
	// Non-blocking so Close() doesn't leave Read() hanging; Read() still
	// blocks the caller because os.NewFile registers a non-blocking fd
	// with the runtime poller.
	_ = unix.SetNonblock(fd, true)
	return &Device{name: name, file: os.NewFile(uintptr(fd), name)}, nil
}

func ioctlSetIfName(fd int, pattern string, flags uint16) (string, error) {
	var req ifReq
	copy(req.name[:], pattern)
	req.flags = flags
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(tunSetIff), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return "", errno
	}
	n := 0
	for n < ifNameSize && req.name[n] != 0 {
		n++
	}
	return string(req.name[:n]), nil
}

// Device is a real Linux TUN device, implementing device.Device.
type Device struct {
	name string
	file *os.File
}

// Name returns the kernel-assigned interface name (e.g. "tun0").
func (d *Device) Name() string { return d.name }

// Read implements device.Device.
func (d *Device) Read(ctx context.Context, buf []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := d.file.Read(buf)
		done <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-done:
		return r.n, r.err
	}
}

// Write implements device.Device.
func (d *Device) Write(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return d.file.Write(buf)
}

// Close closes the underlying file descriptor.
func (d *Device) Close() error {
	return d.file.Close()
}

var _ fmt.Stringer = (*Device)(nil)

func (d *Device) String() string { return fmt.Sprintf("tun(%s)", d.name) }
