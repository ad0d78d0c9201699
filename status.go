package nbdcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// Status is a snapshot of a proxy's state, reported by the query command and
// the control plane.
type Status struct {
	ID       string `json:"id" cbor:"id"`
	CacheID  string `json:"cache_id" cbor:"cache_id"`
	Upstream string `json:"upstream" cbor:"upstream"`

	DiskSize     uint64 `json:"disk_size" cbor:"disk_size"`
	BlockSize    uint32 `json:"block_size" cbor:"block_size"`
	Blocks       uint64 `json:"blocks" cbor:"blocks"`
	CachedBlocks uint64 `json:"cached_blocks" cbor:"cached_blocks"`

	BitmapPath string `json:"bitmap_path" cbor:"bitmap_path"`
	CachePath  string `json:"cache_path" cbor:"cache_path"`

	Generation uint64    `json:"generation" cbor:"generation"`
	Sessions   int       `json:"sessions" cbor:"sessions"`
	CacheAll   bool      `json:"cache_all" cbor:"cache_all"`
	Created    time.Time `json:"created" cbor:"created"`

	Stats StatsSnapshot `json:"stats" cbor:"stats"`
}

// Percent is the share of blocks cached.
func (s Status) Percent() float64 {
	if s.Blocks == 0 {
		return 0
	}

	return float64(s.CachedBlocks) * 100 / float64(s.Blocks)
}

func (p *Proxy) Status() Status {
	p.mu.Lock()
	sessions := len(p.sessions)
	p.mu.Unlock()

	return Status{
		ID:           p.o.id,
		CacheID:      p.meta.ID.String(),
		Upstream:     p.o.upstream,
		DiskSize:     p.size,
		BlockSize:    BlockSize,
		Blocks:       p.blocks(),
		CachedBlocks: p.bitmap.Count(),
		BitmapPath:   p.bitmap.Path(),
		CachePath:    p.cache.Path(),
		Generation:   p.fwd.Generation(),
		Sessions:     sessions,
		CacheAll:     p.CacheAllRunning(),
		Created:      p.meta.Created,
		Stats:        p.stats.Snapshot(),
	}
}

// InspectCache reports the state of the cache in dir without contacting
// upstream. It fails while a proxy holds the cache open.
func InspectCache(dir string) (Status, error) {
	ms, err := OpenMeta(filepath.Join(dir, metaFile))
	if err != nil {
		return Status{}, err
	}

	defer ms.Close()

	meta, found, err := ms.Load()
	if err != nil {
		return Status{}, err
	}

	if !found {
		return Status{}, errors.Errorf("no cache found in %s", dir)
	}

	bitmapPath := filepath.Join(dir, bitmapFile)

	if _, err := os.Stat(bitmapPath); err != nil {
		return Status{}, err
	}

	blocks := (meta.Size + uint64(meta.BlockSize) - 1) / uint64(meta.BlockSize)

	bm, err := OpenBitmap(bitmapPath, blocks)
	if err != nil {
		return Status{}, err
	}

	defer bm.Close()

	return Status{
		CacheID:      meta.ID.String(),
		Upstream:     meta.Upstream,
		DiskSize:     meta.Size,
		BlockSize:    meta.BlockSize,
		Blocks:       blocks,
		CachedBlocks: bm.Count(),
		BitmapPath:   bitmapPath,
		CachePath:    filepath.Join(dir, cacheFile),
		Created:      meta.Created,
	}, nil
}
