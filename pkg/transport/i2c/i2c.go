//go:build linux

// Package i2c implements pkg/transport.Transport over Linux's i2c-dev
// character device interface, reproducing the retry/backoff and
// defensive-NAD-overwrite behavior of the original
// phNxpEsePal_i2c_open_and_configure/_read/_write C implementation.
package i2c

import (
	"errors"
	"fmt"
	"time"

	"github.com/calvin-quilt/t1oi2c/pkg/transport"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func init() {
	transport.Register("i2c", func() transport.Transport { return &I2C{} })
}

// i2cSlaveIoctl is I2C_SLAVE from <linux/i2c-dev.h>.
const i2cSlaveIoctl = 0x0703

// NAD is the node-address byte forced onto the first byte of every
// write, matching the transport-level defensive overwrite in
// spec.md §9.
const NAD byte = 0x5A

// ErrBusNotReady is returned when the device NACKs its address,
// signalling the caller should retry.
var ErrBusNotReady = errors.New("i2c: bus not ready (NACK on address)")

const (
	maxRetryCount  = 10
	pollDelay      = time.Millisecond
)

// I2C is a Linux i2c-dev transport.
type I2C struct {
	Address int
	fd      int
	log     *log.Entry
}

// NewI2C builds a driver for the given 7-bit slave address, ready to
// be registered or used directly.
func NewI2C(address int) *I2C {
	return &I2C{Address: address, fd: -1, log: log.WithField("transport", "i2c")}
}

func (d *I2C) Open(name string) error {
	if d.log == nil {
		d.log = log.WithField("transport", "i2c")
	}
	if d.Address == 0 {
		d.Address = 0x48 // SE05x default 7-bit address
	}
	var lastErr error
	for attempt := 0; attempt < maxRetryCount; attempt++ {
		fd, err := unix.Open(name, unix.O_RDWR, 0)
		if err != nil {
			lastErr = err
			d.log.WithError(err).Debugf("open retry %d", attempt)
			time.Sleep(pollDelay)
			continue
		}
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(i2cSlaveIoctl), uintptr(d.Address)); errno != 0 {
			unix.Close(fd)
			lastErr = errno
			time.Sleep(pollDelay)
			continue
		}
		d.fd = fd
		d.log.Debug("opened")
		return nil
	}
	return fmt.Errorf("i2c: open %q failed after %d attempts: %w", name, maxRetryCount, lastErr)
}

func (d *I2C) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *I2C) Read(buf []byte) (int, error) {
	for attempt := 0; ; attempt++ {
		n, err := unix.Read(d.fd, buf)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EREMOTEIO) {
			if attempt >= maxRetryCount {
				return 0, ErrBusNotReady
			}
			d.log.Debugf("read retry %d: %v", attempt, err)
			time.Sleep(pollDelay)
			continue
		}
		return 0, fmt.Errorf("i2c: read: %w", err)
	}
}

func (d *I2C) Write(buf []byte, n int) (int, error) {
	if n > 0 {
		buf[0] = NAD // recovery if the caller forgot to set the NAD byte
	}
	for attempt := 0; ; attempt++ {
		time.Sleep(pollDelay)
		wrote, err := unix.Write(d.fd, buf[:n])
		if err == nil {
			return wrote, nil
		}
		if errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EREMOTEIO) {
			if attempt >= maxRetryCount {
				return 0, ErrBusNotReady
			}
			d.log.Debugf("write retry %d: %v", attempt, err)
			continue
		}
		return 0, fmt.Errorf("i2c: write: %w", err)
	}
}

func (d *I2C) ClearReadBuffer() {
	scratch := make([]byte, 64)
	unix.SetNonblock(d.fd, true)
	for {
		n, err := unix.Read(d.fd, scratch)
		if n <= 0 || err != nil {
			break
		}
	}
	unix.SetNonblock(d.fd, false)
}

func (d *I2C) WaitForReady() {
	time.Sleep(5 * time.Millisecond)
}
