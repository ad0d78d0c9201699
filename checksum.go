package nbdcache

import (
	"crypto/sha256"

	"github.com/hashicorp/go-hclog"
	"github.com/mr-tron/base58"
)

func rangeSum(b []byte) string {
	empty := true

	for _, x := range b {
		if x != 0 {
			empty = false
			break
		}
	}

	if empty {
		return "0"
	}

	x := sha256.Sum256(b)
	return base58.Encode(x[:])
}

// logBlocks logs the sum of each block in data, which starts at block idx.
// The final block may be short.
func logBlocks(log hclog.Logger, msg string, idx LBA, data []byte) {
	for len(data) > 0 {
		n := min(len(data), BlockSize)

		log.Trace(msg, "block", idx, "sum", rangeSum(data[:n]))
		data = data[n:]
		idx++
	}
}
