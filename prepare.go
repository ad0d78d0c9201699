package nbdcache

import (
	"github.com/lab47/nbdcache/pkg/nbd"
)

// BitmapStore is the part of the Bitmap request preparation uses.
type BitmapStore interface {
	Test(lba LBA) bool
	Set(lba LBA)
	Clear(lba LBA)
	Sync() error
}

// prepare computes req.Ranges and claims the blocks req covers. It runs once
// per request; a retried request keeps the ranges computed the first time.
func prepare(req *Request, bm BitmapStore, stats StatsSink) error {
	if req.Prepared {
		return nil
	}

	var err error

	if req.Length > 0 {
		switch req.Type {
		case nbd.TRANSMISSION_TYPE_REQUEST_WRITE:
			err = prepareWrite(req, bm, stats)
		case nbd.TRANSMISSION_TYPE_REQUEST_READ, nbd.TRANSMISSION_TYPE_REQUEST_CACHE:
			err = prepareRead(req, bm, stats)
		}
	}

	req.Prepared = true

	return err
}

// release clears the bits a failed request claimed but never filled.
func release(req *Request, bm BitmapStore) {
	for _, e := range req.claimed {
		for i := e.LBA; i <= e.Last(); i++ {
			bm.Clear(i)
		}
	}

	req.claimed = nil
}

// prepareRead queues every uncached block for fetching and claims it. The
// ranges are collected before any bit is set so an overflow leaves the
// bitmap untouched.
func prepareRead(req *Request, bm BitmapStore, stats StatsSink) error {
	var ranges rangeList

	for i := req.Start; i <= req.End; i++ {
		stats.ReadBlock()

		if bm.Test(i) {
			stats.Hit()
			continue
		}

		stats.Miss()
		stats.OnDemandRead()

		if err := ranges.add(i); err != nil {
			return err
		}
	}

	// Claiming now keeps an overlapping request queued behind this one
	// from fetching the same blocks again.
	for _, e := range ranges {
		for i := e.LBA; i <= e.Last(); i++ {
			bm.Set(i)
		}
	}

	req.Ranges = ranges
	req.claimed = ranges

	return nil
}

// prepareWrite claims every block the write covers. A partially written
// block that is not cached yet is fetched first so the write can be merged
// into it.
func prepareWrite(req *Request, bm BitmapStore, stats StatsSink) error {
	var (
		getStart, getEnd bool
		end              = req.Offset + uint64(req.Length)
	)

	if req.Offset%BlockSize != 0 && !bm.Test(req.Start) {
		getStart = true
	}

	if end%BlockSize != 0 {
		// A single block already fetched for the start needs no second read.
		if req.End > req.Start || !getStart {
			getEnd = !bm.Test(req.End)
		}
	}

	var claimed []Extent

	for i := req.Start; i <= req.End; i++ {
		stats.WriteBlock()

		if bm.Test(i) {
			continue
		}

		bm.Set(i)
		stats.OnDemandWrite()

		if n := len(claimed); n > 0 && claimed[n-1].Last()+1 == i {
			claimed[n-1].Blocks++
		} else {
			claimed = append(claimed, Extent{LBA: i, Blocks: 1})
		}
	}

	req.claimed = claimed

	var ranges rangeList

	for _, edge := range []struct {
		fetch bool
		lba   LBA
	}{
		{getStart, req.Start},
		{getEnd, req.End},
	} {
		if !edge.fetch {
			stats.Hit()
			continue
		}

		stats.Miss()

		// Edges are queued as separate ranges even when adjacent.
		ranges = append(ranges, Extent{LBA: edge.lba, Blocks: 1})
	}

	req.Ranges = ranges

	return nil
}
