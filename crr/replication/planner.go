package replication

import (
	"math/bits"

	"github.com/cloudcrr/cloudcrr/crr/gateway"
)

// Family is the coarse categorization of a destination backend. It selects
// multipart part constraints and identifier formats.
type Family int

const (
	FamilyGeneric Family = iota
	FamilyGCP
	FamilyAzure
)

func ParseFamily(storageType string) Family {
	switch storageType {
	case "gcp", "gcs":
		return FamilyGCP
	case "azure":
		return FamilyAzure
	}
	return FamilyGeneric
}

const (
	baseMPUPartSize  = 16 << 20  // 16 MiB
	maxMPUPartSize   = 512 << 20 // 512 MiB
	targetPartCount  = 1000
	maxPartCount     = 10000
	gcpMaxPartCount  = 1024
)

// PartSize picks the multipart part size for an object of the given
// length. The size starts at 16 MiB and doubles until the part count fits
// the destination's limits.
func PartSize(contentLength int64, family Family) int64 {
	partSize := int64(baseMPUPartSize)
	for contentLength/partSize > targetPartCount && partSize < maxMPUPartSize {
		partSize *= 2
	}
	// objects beyond ~512 GiB still must fit the hard part limit
	for contentLength/partSize > maxPartCount {
		partSize *= 2
	}
	if family == FamilyGCP && contentLength/partSize > gcpMaxPartCount {
		pow2 := nextPow2(contentLength)
		partSize = (pow2 + gcpMaxPartCount - 1) / gcpMaxPartCount
	}
	return partSize
}

// PlanRanges tiles [0, contentLength-1] with part-sized ranges, the last
// possibly shorter. A zero-length object yields a single nil range so the
// destination still sees an object.
func PlanRanges(contentLength int64, family Family) []*gateway.Range {
	if contentLength == 0 {
		return []*gateway.Range{nil}
	}
	partSize := PartSize(contentLength, family)
	ranges := make([]*gateway.Range, 0, (contentLength+partSize-1)/partSize)
	for start := int64(0); start < contentLength; start += partSize {
		end := start + partSize - 1
		if end > contentLength-1 {
			end = contentLength - 1
		}
		ranges = append(ranges, &gateway.Range{Start: start, End: end})
	}
	return ranges
}

// nextPow2 returns the smallest power of two >= n.
func nextPow2(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(n-1))
}
