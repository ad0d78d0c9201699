package nbdcache

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/mode"
	"github.com/lab47/nbdcache/pkg/nbd"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrReadOnlyBackend = errors.New("backend is read only")

// FileBackend serves a local file or block device as an NBD export.
type FileBackend struct {
	log      hclog.Logger
	f        *os.File
	size     int64
	readOnly bool
}

var _ nbd.Backend = &FileBackend{}

func OpenFileBackend(log hclog.Logger, path string, readOnly bool) (*FileBackend, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, err
	}

	// Seeking works for block devices, whose Stat size is zero.
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "sizing %s", path)
	}

	return &FileBackend{
		log:      log.Named("file").With("path", path),
		f:        f,
		size:     size,
		readOnly: readOnly,
	}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	b.log.Trace("read-at", "size", len(p), "offset", off)

	n, err := b.f.ReadAt(p, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return n, err
	}

	if mode.Debug() {
		logBlocks(b.log, "read block sums", LBA(off/BlockSize), p)
	}

	return n, nil
}

func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	if b.readOnly {
		return 0, ErrReadOnlyBackend
	}

	b.log.Trace("write-at", "size", len(p), "offset", off)

	if mode.Debug() {
		logBlocks(b.log, "write block sums", LBA(off/BlockSize), p)
	}

	return b.f.WriteAt(p, off)
}

// Trim deallocates the range, which then reads back as zeros.
func (b *FileBackend) Trim(off, sz int64) error {
	if b.readOnly {
		return ErrReadOnlyBackend
	}

	if sz == 0 {
		return nil
	}

	err := unix.Fallocate(int(b.f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, sz)
	if err != nil {
		return errors.Wrapf(err, "punching hole at %d", off)
	}

	return nil
}

func (b *FileBackend) Size() (int64, error) {
	return b.size, nil
}

func (b *FileBackend) Sync() error {
	if b.readOnly {
		return nil
	}

	return b.f.Sync()
}

func (b *FileBackend) Close() error {
	return b.f.Close()
}

type sizedReaderAt interface {
	io.ReaderAt
	Size() int64
}

// ImageBackend serves the expanded contents of a qcow2 image read only.
type ImageBackend struct {
	log hclog.Logger
	f   *os.File
	img sizedReaderAt
}

var _ nbd.Backend = &ImageBackend{}

func OpenImageBackend(log hclog.Logger, path string) (*ImageBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "opening qcow2 image %s", path)
	}

	log = log.Named("qcow2").With("path", path)
	log.Info("detected file as qcow2 format", "size", img.Size())

	return &ImageBackend{log: log, f: f, img: img}, nil
}

func (b *ImageBackend) ReadAt(p []byte, off int64) (int, error) {
	b.log.Trace("read-at", "size", len(p), "offset", off)

	n, err := b.img.ReadAt(p, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		return n, err
	}

	return n, nil
}

func (b *ImageBackend) WriteAt(p []byte, off int64) (int, error) {
	return 0, ErrReadOnlyBackend
}

func (b *ImageBackend) Trim(off, sz int64) error {
	return ErrReadOnlyBackend
}

func (b *ImageBackend) Size() (int64, error) {
	return b.img.Size(), nil
}

func (b *ImageBackend) Sync() error {
	return nil
}

func (b *ImageBackend) Close() error {
	return b.f.Close()
}
