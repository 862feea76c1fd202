package bitlocker

import (
	"os"

	"golang.org/x/sys/unix"

	log "github.com/dsoprea/go-logging"
)

// device is the single choke-point for all volume I/O. Every other
// component addresses offsets relative to the start of the volume; device
// is the only place the initial partition-offset shift is added, and the
// only place that touches the underlying file descriptor.
//
// Reads and writes are positioned (pread/pwrite) rather than seek-then-
// read/write: concurrent sector jobs from the translator's worker pool
// share one device and must never race on a seek cursor.
type device struct {
	f      *os.File
	fd     int
	offset int64 // partition offset added to every access
	size   int64 // backing file size, cached at open
}

func openDevice(path string, partitionOffset int64, readOnly bool) (d *device, err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	log.PanicIf(err)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		log.Panic(err)
	}

	d = &device{
		f:      f,
		fd:     int(f.Fd()),
		offset: partitionOffset,
		size:   fi.Size(),
	}

	return d, nil
}

func (d *device) close() error {
	return d.f.Close()
}

// readAt reads len(buf) bytes starting at volume-relative offset off.
func (d *device) readAt(off int64, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	n, err := unix.Pread(d.fd, buf, off+d.offset)
	log.PanicIf(err)

	if n != len(buf) {
		log.Panicf("short read at offset %#x: got %d of %d bytes", off, n, len(buf))
	}

	return nil
}

// writeAt writes buf starting at volume-relative offset off.
func (d *device) writeAt(off int64, buf []byte) (err error) {
	defer func() {
		if state := recover(); state != nil {
			err = log.Wrap(state.(error))
		}
	}()

	n, err := unix.Pwrite(d.fd, buf, off+d.offset)
	log.PanicIf(err)

	if n != len(buf) {
		log.Panicf("short write at offset %#x: wrote %d of %d bytes", off, n, len(buf))
	}

	return nil
}
