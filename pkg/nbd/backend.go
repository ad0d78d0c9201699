package nbd

import "io"

type Backend interface {
	io.ReaderAt
	io.WriterAt

	Trim(off, sz int64) error

	Size() (int64, error)
	Sync() error
}
