package nbdcache

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// ErrStaleCache means the cache directory was built for a different disk.
var ErrStaleCache = errors.New("cache does not match upstream disk")

// CacheMeta describes the disk a cache directory holds.
type CacheMeta struct {
	ID        ulid.ULID `cbor:"1,keyasint"`
	Size      uint64    `cbor:"2,keyasint"`
	BlockSize uint32    `cbor:"3,keyasint"`
	Upstream  string    `cbor:"4,keyasint"`
	Created   time.Time `cbor:"5,keyasint"`

	// Set once every block has been cached.
	Completed time.Time `cbor:"6,keyasint,omitempty"`
}

var (
	metaBucket = []byte("cache")
	metaKey    = []byte("meta")
)

type MetaStore struct {
	db *bbolt.DB
}

func OpenMeta(path string) (*MetaStore, error) {
	opts := bbolt.DefaultOptions
	opts.Timeout = time.Second

	db, err := bbolt.Open(path, 0644, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cache metadata %s", path)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &MetaStore{db: db}, nil
}

func (m *MetaStore) Close() error {
	return m.db.Close()
}

// Load returns the stored metadata, or false if there is none yet.
func (m *MetaStore) Load() (CacheMeta, bool, error) {
	var (
		meta  CacheMeta
		found bool
	)

	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metaBucket).Get(metaKey)
		if data == nil {
			return nil
		}

		found = true

		return cbor.Unmarshal(data, &meta)
	})

	return meta, found, err
}

func (m *MetaStore) Save(meta CacheMeta) error {
	data, err := cbor.Marshal(meta)
	if err != nil {
		return err
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metaKey, data)
	})
}

// Check compares the stored metadata with the disk about to be served. A
// fresh store is initialized with a new cache id. If reset is set a
// mismatching store is reinitialized instead of refused.
func (m *MetaStore) Check(size uint64, upstream string, reset bool) (CacheMeta, bool, error) {
	meta, found, err := m.Load()
	if err != nil {
		return CacheMeta{}, false, err
	}

	if found {
		if meta.Size == size && meta.BlockSize == BlockSize && meta.Upstream == upstream {
			return meta, false, nil
		}

		if !reset {
			return meta, false, errors.Wrapf(ErrStaleCache,
				"cache %s holds %d bytes in %d byte blocks from %s, upstream %s has %d bytes",
				meta.ID, meta.Size, meta.BlockSize, meta.Upstream, upstream, size)
		}
	}

	meta = CacheMeta{
		ID:        ulid.MustNew(ulid.Now(), ulid.DefaultEntropy()),
		Size:      size,
		BlockSize: BlockSize,
		Upstream:  upstream,
		Created:   time.Now(),
	}

	return meta, true, m.Save(meta)
}

// MarkComplete records that every block is cached.
func (m *MetaStore) MarkComplete(meta CacheMeta) (CacheMeta, error) {
	if !meta.Completed.IsZero() {
		return meta, nil
	}

	meta.Completed = time.Now()

	return meta, m.Save(meta)
}
