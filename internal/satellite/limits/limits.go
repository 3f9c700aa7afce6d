// Package limits derives the satellite's pool sizes from the resources of
// the host it runs on, so small machines degrade gracefully instead of
// thrashing. All values are computed once at startup.
package limits

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// ChunkSizeMiB mirrors transfer.ChunkSize; kept as a plain int here to avoid
// an import cycle with the transfer package.
const ChunkSizeMiB = 16

// fallback when /proc/meminfo cannot be read
const defaultMemoryMiB = 512

// Limits holds the derived concurrency bounds.
type Limits struct {
	// MaxUploads / MaxDownloads bound concurrent client transfers globally.
	MaxUploads   int
	MaxDownloads int
	// MaxUploadsPerUser bounds concurrent uploads of a single user.
	MaxUploadsPerUser int
	// MaxConnectionsPerTransfer caps parallel connections multiplexed into
	// one transfer.
	MaxConnectionsPerTransfer int
	// Master-bound transfer slots.
	MaxMasterUploads   int
	MaxMasterDownloads int
	// HashQueueLen is the depth of the chunk-hashing queue. Each slot can
	// hold a full chunk, so this directly caps hashing memory use.
	HashQueueLen int
}

// Detect computes the limits from available memory and CPU count.
func Detect() Limits {
	return derive(availableMemoryMiB(), runtime.NumCPU())
}

func derive(memMiB int64, cpuCount int) Limits {
	hashQueueLen := int(memMiB / 100)
	if hashQueueLen < 1 {
		hashQueueLen = 1
	} else if hashQueueLen > 6 {
		hashQueueLen = 6
	}

	maxPerTransfer := int((memMiB - 400) / (ChunkSizeMiB * 8))
	if maxPerTransfer < 1 {
		maxPerTransfer = 1
	}
	if maxPerTransfer > 4 {
		maxPerTransfer = 4
	}
	if maxPerTransfer > cpuCount {
		maxPerTransfer = cpuCount
	}

	maxUploads := int((memMiB - 64) / (ChunkSizeMiB * int64(hashQueueLen+1)))
	if maxUploads < 1 {
		maxUploads = 1
	}
	if maxUploads > cpuCount*4 {
		maxUploads = cpuCount * 4
	}

	perUser := maxUploads / 2
	if perUser > 4 {
		perUser = 4
	}
	if perUser < 1 {
		perUser = 1
	}

	return Limits{
		MaxUploads:                maxUploads,
		MaxDownloads:              maxUploads * 2,
		MaxUploadsPerUser:         perUser,
		MaxConnectionsPerTransfer: maxPerTransfer,
		MaxMasterUploads:          2,
		MaxMasterDownloads:        3,
		HashQueueLen:              hashQueueLen,
	}
}

// availableMemoryMiB reads MemTotal from /proc/meminfo, halving it on the
// assumption that the satellite shares the host. Falls back to a small
// default when the file is unavailable (non-Linux, restricted container).
func availableMemoryMiB() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return defaultMemoryMiB
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			break
		}
		return kb / 2 / 1024
	}
	return defaultMemoryMiB
}
