package vm

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/Masterminds/semver/v3"
	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Snapshot binary format
// ---------------------------------------------------------------------------
//
// A snapshot is a fixed header followed by tagged segments:
//
//	header{magic:4B, format_version:u32, vm_version:u32,
//	       endianness:u8, word_size:u8, created_at:u64, checksum:u32}
//	segment{type:u8, size:u32, bytes}...
//
// Header fields are little-endian. The checksum is CRC-32 (IEEE) over the
// raw segment region, so any bit flip after the header is detected before
// a payload is decoded. Segment payloads are canonical CBOR.

// SnapshotMagic identifies a snapshot stream.
var SnapshotMagic = [4]byte{'T', 'E', 'R', 'N'}

// SnapshotFormatVersion is the current on-disk layout version.
const SnapshotFormatVersion uint32 = 1

const (
	snapshotHeaderBytes  = 26
	snapshotEndianLittle = 1
	snapshotWordSize     = 8
)

// Segment tags, in the order segments appear in the stream.
const (
	SegmentMetadata        uint8 = 1
	SegmentHeap            uint8 = 2
	SegmentTasks           uint8 = 3
	SegmentScheduler       uint8 = 4
	SegmentSynchronization uint8 = 5
)

var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// SnapshotHeader is the decoded fixed header.
type SnapshotHeader struct {
	FormatVersion uint32
	VMVersion     uint32
	Endianness    uint8
	WordSize      uint8
	CreatedAt     uint64 // unix seconds
	Checksum      uint32
}

// encodeVMVersion packs a semver string as major<<16 | minor<<8 | patch.
func encodeVMVersion(version string) (uint32, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return 0, fmt.Errorf("bad runtime version %q: %w", version, err)
	}
	return uint32(v.Major())<<16 | uint32(v.Minor())<<8 | uint32(v.Patch()), nil
}

func decodeVMVersion(packed uint32) string {
	return fmt.Sprintf("%d.%d.%d", packed>>16, (packed>>8)&0xFF, packed&0xFF)
}

// vmVersionCompatible reports whether a snapshot written by vmVersion can
// be restored by the running runtime: same major version.
func vmVersionCompatible(packed uint32) bool {
	current, err := semver.NewVersion(Version)
	if err != nil {
		return false
	}
	return uint64(packed>>16) == current.Major()
}

// ---------------------------------------------------------------------------
// Segment payload schemas (canonical CBOR)
// ---------------------------------------------------------------------------

// Wire value kinds. A wireValue is a flattened Value: inline primitives
// carried directly, heap pointers replaced by stable object ids.
const (
	wireNull  uint8 = 0
	wireBool  uint8 = 1
	wireInt   uint8 = 2
	wireFloat uint8 = 3
	wireRef   uint8 = 4
)

type wireValue struct {
	Kind  uint8   `cbor:"k"`
	Bool  bool    `cbor:"b,omitempty"`
	Int   int32   `cbor:"i,omitempty"`
	Float float64 `cbor:"f,omitempty"`
	Ref   uint64  `cbor:"r,omitempty"`
}

type wireType struct {
	ID   uint32 `cbor:"id"`
	Name string `cbor:"name"`
}

// metadataSegment carries everything about the context that is not heap
// or task state: identity, limits, counters, globals, and the type and
// function tables the restored context requires.
type metadataSegment struct {
	ContextID uint64 `cbor:"ctx"`
	Parent    uint64 `cbor:"parent,omitempty"`

	MaxHeapBytes  uint64 `cbor:"max_heap"`
	UnlimitedHeap bool   `cbor:"unlimited_heap,omitempty"`
	MaxTasks      uint64 `cbor:"max_tasks,omitempty"`
	MaxSteps      uint64 `cbor:"max_steps,omitempty"`
	GCThreshold   uint64 `cbor:"gc_threshold"`
	StepsExecuted uint64 `cbor:"steps"`

	Globals      map[string]wireValue `cbor:"globals"`
	Capabilities []string             `cbor:"caps"`
	Types        []wireType           `cbor:"types"`
	Functions    []uint32             `cbor:"funcs"`
}

type wireObject struct {
	ID    uint64      `cbor:"id"`
	Type  uint32      `cbor:"type"`
	Slots []wireValue `cbor:"slots,omitempty"`
	Bytes []byte      `cbor:"bytes,omitempty"`
}

// heapSegment is the object graph keyed by stable per-object id.
type heapSegment struct {
	Objects []wireObject `cbor:"objects"`
}

type wireTask struct {
	ID        uint64      `cbor:"id"`
	State     int32       `cbor:"state"`
	Cancelled bool        `cbor:"cancelled,omitempty"`
	FuncIndex uint32      `cbor:"func"`
	IP        uint32      `cbor:"ip,omitempty"`
	Locals    []wireValue `cbor:"locals,omitempty"`
	Operands  []wireValue `cbor:"operands,omitempty"`
}

type tasksSegment struct {
	Tasks []wireTask `cbor:"tasks"`
}

// schedulerSegment records what the scheduler needs to resume: the task id
// watermark and which tasks re-enter the run queue.
type schedulerSegment struct {
	NextTaskID uint64   `cbor:"next_task"`
	Runnable   []uint64 `cbor:"runnable,omitempty"`
}

type wireAwait struct {
	Task   uint64 `cbor:"task"`
	Target uint64 `cbor:"target"`
}

// wireSemaphore is a named semaphore with its wait queue in FIFO order.
// Granted lists tasks holding a handed-over permit they have not yet
// consumed.
type wireSemaphore struct {
	Name      string   `cbor:"name"`
	Permits   uint32   `cbor:"permits"`
	Available uint32   `cbor:"available"`
	Waiters   []uint64 `cbor:"waiters,omitempty"`
	Granted   []uint64 `cbor:"granted,omitempty"`
}

// synchronizationSegment records await edges between tasks and the
// context's semaphores.
type synchronizationSegment struct {
	Awaits     []wireAwait     `cbor:"awaits,omitempty"`
	Semaphores []wireSemaphore `cbor:"semaphores,omitempty"`
}

// Snapshot is a decoded, validated snapshot: the header plus the raw
// segment payloads. It is immutable once built and may be restored any
// number of times.
type Snapshot struct {
	Header   SnapshotHeader
	segments map[uint8][]byte
}

// Segment returns a raw segment payload by tag.
func (s *Snapshot) Segment(tag uint8) ([]byte, bool) {
	b, ok := s.segments[tag]
	return b, ok
}

func (s *Snapshot) decodeSegment(tag uint8, into any) error {
	b, ok := s.segments[tag]
	if !ok {
		return fmt.Errorf("%w: missing segment %d", ErrCorruptedSnapshot, tag)
	}
	if err := cbor.Unmarshal(b, into); err != nil {
		return fmt.Errorf("%w: segment %d: %s", ErrCorruptedSnapshot, tag, err.Error())
	}
	return nil
}

// Encode serializes the snapshot to its binary form.
func (s *Snapshot) Encode() []byte {
	var body []byte
	for _, tag := range []uint8{SegmentMetadata, SegmentHeap, SegmentTasks, SegmentScheduler, SegmentSynchronization} {
		payload, ok := s.segments[tag]
		if !ok {
			continue
		}
		body = append(body, tag)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(payload)))
		body = append(body, payload...)
	}

	out := make([]byte, 0, snapshotHeaderBytes+len(body))
	out = append(out, SnapshotMagic[:]...)
	out = binary.LittleEndian.AppendUint32(out, s.Header.FormatVersion)
	out = binary.LittleEndian.AppendUint32(out, s.Header.VMVersion)
	out = append(out, s.Header.Endianness, s.Header.WordSize)
	out = binary.LittleEndian.AppendUint64(out, s.Header.CreatedAt)
	s.Header.Checksum = crc32.ChecksumIEEE(body)
	out = binary.LittleEndian.AppendUint32(out, s.Header.Checksum)
	return append(out, body...)
}

// DecodeSnapshot parses and validates a binary snapshot: magic, format
// version, and checksum. Version incompatibility of the writing runtime is
// reported here, before any payload is decoded.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < snapshotHeaderBytes {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorruptedSnapshot, len(data))
	}
	if data[0] != SnapshotMagic[0] || data[1] != SnapshotMagic[1] || data[2] != SnapshotMagic[2] || data[3] != SnapshotMagic[3] {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptedSnapshot)
	}

	hdr := SnapshotHeader{
		FormatVersion: binary.LittleEndian.Uint32(data[4:8]),
		VMVersion:     binary.LittleEndian.Uint32(data[8:12]),
		Endianness:    data[12],
		WordSize:      data[13],
		CreatedAt:     binary.LittleEndian.Uint64(data[14:22]),
		Checksum:      binary.LittleEndian.Uint32(data[22:26]),
	}
	if hdr.FormatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrIncompatibleVersion, hdr.FormatVersion, SnapshotFormatVersion)
	}
	if hdr.Endianness != snapshotEndianLittle || hdr.WordSize != snapshotWordSize {
		return nil, fmt.Errorf("%w: endianness %d word size %d", ErrIncompatibleVersion, hdr.Endianness, hdr.WordSize)
	}
	if !vmVersionCompatible(hdr.VMVersion) {
		return nil, fmt.Errorf("%w: written by runtime %s, running %s", ErrIncompatibleVersion, decodeVMVersion(hdr.VMVersion), Version)
	}

	body := data[snapshotHeaderBytes:]
	if sum := crc32.ChecksumIEEE(body); sum != hdr.Checksum {
		return nil, fmt.Errorf("%w: checksum %08x, header says %08x", ErrCorruptedSnapshot, sum, hdr.Checksum)
	}

	segments := make(map[uint8][]byte)
	for len(body) > 0 {
		if len(body) < 5 {
			return nil, fmt.Errorf("%w: truncated segment header", ErrCorruptedSnapshot)
		}
		tag := body[0]
		size := binary.LittleEndian.Uint32(body[1:5])
		body = body[5:]
		if uint32(len(body)) < size {
			return nil, fmt.Errorf("%w: segment %d claims %d bytes, %d remain", ErrCorruptedSnapshot, tag, size, len(body))
		}
		if _, dup := segments[tag]; dup {
			return nil, fmt.Errorf("%w: duplicate segment %d", ErrCorruptedSnapshot, tag)
		}
		segments[tag] = body[:size]
		body = body[size:]
	}
	return &Snapshot{Header: hdr, segments: segments}, nil
}
