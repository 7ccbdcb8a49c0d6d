//go:build linux

package stream

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var termiosSpeeds = map[int]uint32{
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
}

// openSerial opens the tty for exclusive raw 8N1 access at baud.
func openSerial(path string, baud int) (io.ReadWriteCloser, error) {
	speed, ok := termiosSpeeds[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud %d", baud)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := configureTTY(fd, speed); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("configure %s: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

func configureTTY(fd int, speed uint32) error {
	// A second reader on the same receiver would split the sentence stream.
	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		return err
	}
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	makeRaw(tio)
	tio.Cflag = tio.Cflag&^unix.CBAUD | speed | unix.CREAD | unix.CLOCAL
	tio.Ispeed, tio.Ospeed = speed, speed
	// VMIN 0 / VTIME 10: a read returns after 1 s without data, so the reader
	// notices StopReading.
	tio.Cc[unix.VMIN], tio.Cc[unix.VTIME] = 0, 10
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		return err
	}
	// Drop whatever queued up before we owned the port.
	return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
}

// makeRaw is cfmakeraw(3).
func makeRaw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
}
