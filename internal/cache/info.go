package cache

import (
	"context"
	"encoding/json"
	"math/bits"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/objectfs/pfcache/pkg/errors"
	"github.com/objectfs/pfcache/pkg/types"
)

const infoVersion = 1

// AccessStat records one attach/detach cycle of a cached file.
type AccessStat struct {
	AttachTime    time.Time `json:"attach_time"`
	DetachTime    time.Time `json:"detach_time"`
	NumIOs        int64     `json:"num_ios"`
	BytesHit      int64     `json:"bytes_hit"`
	BytesMissed   int64     `json:"bytes_missed"`
	BytesBypassed int64     `json:"bytes_bypassed"`
}

// Info is the metadata file kept next to every cached data file. It
// records which blocks are resident, their digests, the checksum state of
// the stored data and a bounded history of accesses.
type Info struct {
	Version    int       `json:"version"`
	BufferSize int64     `json:"buffer_size"`
	FileSize   int64     `json:"file_size"`
	Created    time.Time `json:"created"`

	Bitmap  []byte   `json:"bitmap"`
	Digests []uint64 `json:"digests,omitempty"`

	// CkSumState holds the checksum bits every stored block carries.
	CkSumState  types.ChecksumPolicy `json:"cksum_state"`
	NoCkSumTime time.Time            `json:"no_cksum_time"`

	AccessCount int64        `json:"access_count"`
	Accesses    []AccessStat `json:"accesses"`
}

// NewInfo creates metadata for an empty file. Digests are kept when policy
// includes cache-side verification.
func NewInfo(bufferSize, fileSize int64, policy types.ChecksumPolicy, now time.Time) *Info {
	info := &Info{
		Version:    infoVersion,
		BufferSize: bufferSize,
		FileSize:   fileSize,
		Created:    now,
		CkSumState: policy,
	}
	n := info.NumBlocks()
	info.Bitmap = make([]byte, (n+7)/8)
	if policy.Has(types.ChecksumCache) {
		info.Digests = make([]uint64, n)
	}
	return info
}

// NumBlocks returns the number of blocks the file spans
func (i *Info) NumBlocks() int {
	if i.BufferSize <= 0 || i.FileSize <= 0 {
		return 0
	}
	return int((i.FileSize + i.BufferSize - 1) / i.BufferSize)
}

// BlockLen returns the length of block idx; only the last block is short.
func (i *Info) BlockLen(idx int) int64 {
	start := int64(idx) * i.BufferSize
	if rest := i.FileSize - start; rest < i.BufferSize {
		return rest
	}
	return i.BufferSize
}

// TestBit reports whether block idx is resident on disk
func (i *Info) TestBit(idx int) bool {
	if idx < 0 || idx >= i.NumBlocks() {
		return false
	}
	return i.Bitmap[idx/8]&(1<<(idx%8)) != 0
}

// SetBit marks block idx resident. bits are the checksum checks the block
// passed; when they drop a bit the file had so far, the file becomes
// unverified as of now.
func (i *Info) SetBit(idx int, digest uint64, bits types.ChecksumPolicy, now time.Time) {
	if idx < 0 || idx >= i.NumBlocks() {
		return
	}
	i.Bitmap[idx/8] |= 1 << (idx % 8)
	if i.Digests != nil {
		i.Digests[idx] = digest
	}

	state := i.CkSumState & bits
	if state != i.CkSumState && i.NoCkSumTime.IsZero() {
		i.NoCkSumTime = now
	}
	i.CkSumState = state
}

// ClearBit marks block idx as not resident
func (i *Info) ClearBit(idx int) {
	if idx < 0 || idx >= i.NumBlocks() {
		return
	}
	i.Bitmap[idx/8] &^= 1 << (idx % 8)
	if i.Digests != nil {
		i.Digests[idx] = 0
	}
}

// VerifyBlock checks data against the stored digest of block idx. Blocks
// without a stored digest always verify.
func (i *Info) VerifyBlock(idx int, data []byte) bool {
	if i.Digests == nil || idx < 0 || idx >= len(i.Digests) || i.Digests[idx] == 0 {
		return true
	}
	return xxhash.Sum64(data) == i.Digests[idx]
}

// BlocksOnDisk returns the number of resident blocks
func (i *Info) BlocksOnDisk() int {
	n := 0
	for _, b := range i.Bitmap {
		n += bits.OnesCount8(b)
	}
	return n
}

// BytesOnDisk returns the number of resident bytes
func (i *Info) BytesOnDisk() int64 {
	n := int64(i.BlocksOnDisk()) * i.BufferSize
	last := i.NumBlocks() - 1
	if last >= 0 && i.TestBit(last) {
		n -= i.BufferSize - i.BlockLen(last)
	}
	return n
}

// IsComplete reports whether every block is resident
func (i *Info) IsComplete() bool {
	return i.BlocksOnDisk() == i.NumBlocks()
}

// Unverified reports whether stored data lacks a check that required asks for
func (i *Info) Unverified(required types.ChecksumPolicy) bool {
	return !i.CkSumState.Has(required)
}

// UnverifiedSince returns when the file became unverified. Files that were
// never marked fall back to their creation time.
func (i *Info) UnverifiedSince() time.Time {
	if i.NoCkSumTime.IsZero() {
		return i.Created
	}
	return i.NoCkSumTime
}

// AddAccess appends a finished access, dropping the oldest entries beyond max.
func (i *Info) AddAccess(stat AccessStat, max int) {
	i.AccessCount++
	i.Accesses = append(i.Accesses, stat)
	if max > 0 && len(i.Accesses) > max {
		i.Accesses = append(i.Accesses[:0:0], i.Accesses[len(i.Accesses)-max:]...)
	}
}

// LastAccess returns the most recent detach (or attach) time, or the
// creation time for a file never accessed.
func (i *Info) LastAccess() time.Time {
	if n := len(i.Accesses); n > 0 {
		a := i.Accesses[n-1]
		if a.DetachTime.After(a.AttachTime) {
			return a.DetachTime
		}
		return a.AttachTime
	}
	return i.Created
}

// Marshal encodes the metadata
func (i *Info) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalInfo decodes and sanity-checks metadata
func UnmarshalInfo(data []byte) (*Info, error) {
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errors.NewError(errors.ErrCodeBackendRead, "corrupt metadata").
			WithComponent("cache").WithOperation("load-info").WithCause(err)
	}
	if info.Version != infoVersion || info.BufferSize <= 0 || info.FileSize < 0 {
		return nil, errors.NewError(errors.ErrCodeBackendRead, "unsupported metadata").
			WithComponent("cache").WithOperation("load-info").
			WithDetail("version", info.Version)
	}
	n := info.NumBlocks()
	if len(info.Bitmap) != (n+7)/8 || (info.Digests != nil && len(info.Digests) != n) {
		return nil, errors.NewError(errors.ErrCodeBackendRead, "metadata block count mismatch").
			WithComponent("cache").WithOperation("load-info")
	}
	return &info, nil
}

// LoadInfo reads the metadata file at path
func LoadInfo(ctx context.Context, storage types.Storage, path string) (*Info, error) {
	data, err := storage.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	info, err := UnmarshalInfo(data)
	if err != nil {
		return nil, err.(*errors.CacheError).WithPath(path)
	}
	return info, nil
}

// SaveInfo writes encoded metadata to path
func SaveInfo(ctx context.Context, storage types.Storage, path string, data []byte) error {
	if err := storage.WriteFile(ctx, path, data); err != nil {
		return errors.NewError(errors.ErrCodeBackendWrite, "failed to save metadata").
			WithComponent("cache").WithOperation("save-info").WithPath(path).WithCause(err)
	}
	return nil
}

// Digest returns the block digest stored in metadata
func Digest(data []byte) uint64 {
	return xxhash.Sum64(data)
}
