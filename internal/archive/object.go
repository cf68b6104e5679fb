package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/rewind/internal/ir"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the minimal blob API the object archive needs.
type ObjectStore interface {
	// List returns every key under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
}

const (
	segmentSuffix = ".jsonl"
	floorObject   = "_floor"
)

// ObjectArchive stores each partition as JSON Lines segments:
//
//	<prefix><partition>/<first offset, 20 digits>.jsonl
//
// Zero-padded offsets make lexical key order equal offset order.
// An optional <prefix><partition>/_floor object holds the retention floor
// (RFC 3339) and the highest purged offset.
type ObjectArchive struct {
	objects ObjectStore
	prefix  string
}

// NewObjectArchive creates an archive over objects rooted at prefix.
func NewObjectArchive(objects ObjectStore, prefix string) *ObjectArchive {
	return &ObjectArchive{objects: objects, prefix: prefix}
}

type segment struct {
	key         string
	firstOffset int64
}

type floorRecord struct {
	Floor         time.Time `json:"floor"`
	PurgedThrough int64     `json:"purged_through"`
}

// WriteSegment stores events as one segment. Events must belong to partition
// and be sorted by offset.
func (a *ObjectArchive) WriteSegment(ctx context.Context, partition string, events []ir.Event) error {
	if len(events) == 0 {
		return nil
	}
	if strings.Contains(partition, "/") {
		return fmt.Errorf("write segment: partition %q must not contain '/'", partition)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	prev := int64(-1)
	for i, ev := range events {
		if ev.Partition != partition {
			return fmt.Errorf("write segment: event %q belongs to partition %q", ev.ID, ev.Partition)
		}
		if i > 0 && ev.SequenceOffset <= prev {
			return fmt.Errorf("write segment: offsets not increasing at %d", ev.SequenceOffset)
		}
		prev = ev.SequenceOffset
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write segment: %w", err)
		}
	}

	key := a.segmentKey(partition, events[0].SequenceOffset)
	if err := a.objects.Put(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("write segment %s: %w", key, err)
	}
	return nil
}

// SetRetention records the retention floor of a partition. Purging the
// segments themselves is left to the bucket's lifecycle policy.
func (a *ObjectArchive) SetRetention(ctx context.Context, partition string, floor time.Time, purgedThrough int64) error {
	data, err := json.Marshal(floorRecord{Floor: floor.UTC(), PurgedThrough: purgedThrough})
	if err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	if err := a.objects.Put(ctx, a.prefix+partition+"/"+floorObject, data); err != nil {
		return fmt.Errorf("set retention: %w", err)
	}
	return nil
}

// Partitions derives partition names from the first path element under prefix.
func (a *ObjectArchive) Partitions(ctx context.Context) ([]string, error) {
	keys, err := a.objects.List(ctx, a.prefix)
	if err != nil {
		return nil, Unavailable("", "list partitions", err)
	}

	seen := make(map[string]bool)
	partitions := []string{}
	for _, k := range keys {
		rest := strings.TrimPrefix(k, a.prefix)
		name, _, ok := strings.Cut(rest, "/")
		if !ok || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		partitions = append(partitions, name)
	}
	slices.Sort(partitions)
	return partitions, nil
}

// ReadRange scans every segment of the partition and yields events in r.
func (a *ObjectArchive) ReadRange(ctx context.Context, partition string, r ir.TimeRange) iter.Seq2[ir.Event, error] {
	if err := r.Validate(); err != nil {
		return errSeq(fmt.Errorf("read range: %w", err))
	}
	return func(yield func(ir.Event, error) bool) {
		segments, floor, err := a.layout(ctx, partition)
		if err != nil {
			yield(ir.Event{}, err)
			return
		}
		if floor != nil && r.Start.Before(floor.Floor) {
			yield(ir.Event{}, RangeNotFound(partition, r, floor.Floor))
			return
		}
		a.yieldSegments(ctx, partition, segments, func(ev ir.Event) bool {
			return r.Contains(ev.Timestamp)
		}, yield)
	}
}

// ReadFromOffset yields events after offset, skipping segments that end at
// or before it.
func (a *ObjectArchive) ReadFromOffset(ctx context.Context, partition string, offset int64) iter.Seq2[ir.Event, error] {
	return func(yield func(ir.Event, error) bool) {
		segments, floor, err := a.layout(ctx, partition)
		if err != nil {
			yield(ir.Event{}, err)
			return
		}
		if floor != nil && offset < floor.PurgedThrough {
			yield(ir.Event{}, OffsetNotFound(partition, offset, floor.PurgedThrough))
			return
		}

		// A segment can only hold offsets below the next segment's first offset.
		start := 0
		for i := 0; i+1 < len(segments); i++ {
			if segments[i+1].firstOffset <= offset+1 {
				start = i + 1
			}
		}
		a.yieldSegments(ctx, partition, segments[start:], func(ev ir.Event) bool {
			return ev.SequenceOffset > offset
		}, yield)
	}
}

func (a *ObjectArchive) segmentKey(partition string, firstOffset int64) string {
	return fmt.Sprintf("%s%s/%020d%s", a.prefix, partition, firstOffset, segmentSuffix)
}

// layout lists a partition's segments in offset order and loads its floor.
func (a *ObjectArchive) layout(ctx context.Context, partition string) ([]segment, *floorRecord, error) {
	dir := a.prefix + partition + "/"
	keys, err := a.objects.List(ctx, dir)
	if err != nil {
		return nil, nil, Unavailable(partition, "list segments", err)
	}

	var (
		segments []segment
		floor    *floorRecord
	)
	for _, k := range keys {
		name := strings.TrimPrefix(k, dir)
		if name == floorObject {
			data, err := a.objects.Get(ctx, k)
			if err != nil {
				return nil, nil, Unavailable(partition, "read retention", err)
			}
			var rec floorRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, nil, fmt.Errorf("partition %s: corrupt retention record: %w", partition, err)
			}
			floor = &rec
			continue
		}
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		first, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, segment{key: k, firstOffset: first})
	}
	slices.SortFunc(segments, func(x, y segment) int {
		switch {
		case x.firstOffset < y.firstOffset:
			return -1
		case x.firstOffset > y.firstOffset:
			return 1
		}
		return 0
	})
	return segments, floor, nil
}

func (a *ObjectArchive) yieldSegments(ctx context.Context, partition string, segments []segment, keep func(ir.Event) bool, yield func(ir.Event, error) bool) {
	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			yield(ir.Event{}, err)
			return
		}
		data, err := a.objects.Get(ctx, seg.key)
		if err != nil {
			yield(ir.Event{}, Unavailable(partition, "read segment "+seg.key, err))
			return
		}

		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev ir.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				yield(ir.Event{}, fmt.Errorf("segment %s: %w", seg.key, err))
				return
			}
			ev.Timestamp = ev.Timestamp.UTC()
			if !keep(ev) {
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(ir.Event{}, Unavailable(partition, "scan segment "+seg.key, err))
			return
		}
	}
}
