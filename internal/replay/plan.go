package replay

import (
	"fmt"
	"hash/fnv"

	"github.com/roach88/rewind/internal/ir"
)

// PartitionPlan decides how a run is split into units.
type PartitionPlan struct {
	// ArchivePartitions restricts the run; empty means every partition.
	ArchivePartitions []string `json:"archive_partitions,omitempty" yaml:"archive_partitions,omitempty"`

	// KeyBuckets splits each archive partition by key hash. Values below 1 mean 1.
	KeyBuckets int `json:"key_buckets" yaml:"key_buckets"`
}

// Unit is one independently replayed slice: one archive partition, one key bucket.
type Unit struct {
	ID        string
	Partition string
	Bucket    int
	Buckets   int
}

func (p PartitionPlan) buckets() int {
	return max(p.KeyBuckets, 1)
}

// units enumerates the plan's units in a stable order.
func (p PartitionPlan) units(partitions []string) []Unit {
	n := p.buckets()
	out := make([]Unit, 0, len(partitions)*n)
	for _, part := range partitions {
		for b := 0; b < n; b++ {
			out = append(out, Unit{
				ID:        unitID(part, b, n),
				Partition: part,
				Bucket:    b,
				Buckets:   n,
			})
		}
	}
	return out
}

// describe renders the plan for the run registry.
func (p PartitionPlan) describe(partitions []string) ir.IRObject {
	parts := make(ir.IRArray, len(partitions))
	for i, s := range partitions {
		parts[i] = ir.IRString(s)
	}
	return ir.IRObject{
		"archive_partitions": parts,
		"key_buckets":        ir.IRInt(p.buckets()),
	}
}

// unitID is stable across processes so checkpoints survive restarts.
func unitID(partition string, bucket, buckets int) string {
	return fmt.Sprintf("%s/%d-of-%d", partition, bucket, buckets)
}

// keyBucket assigns a key to a bucket with 32-bit FNV-1a.
func keyBucket(key string, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(buckets))
}

// owns reports whether the unit folds events for key.
func (u Unit) owns(key string) bool {
	return keyBucket(key, u.Buckets) == u.Bucket
}
