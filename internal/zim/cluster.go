package zim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Cluster compression identifiers from the ZIM format.
const (
	compressionNone    = 1
	compressionNoneOld = 2 // obsolete zlib marker, stored uncompressed in practice
	compressionXZ      = 4
	compressionZstd    = 5

	// extendedClusterFlag selects 8-byte blob offsets for clusters > 4 GiB.
	extendedClusterFlag = 0x10
)

// clusterBounds returns the byte range [start, end) of cluster n.
func (a *Archive) clusterBounds(n uint32) (start, end int64, err error) {
	if n >= a.hdr.ClusterCount {
		return 0, 0, fmt.Errorf("%w: cluster %d of %d", ErrCorrupt, n, a.hdr.ClusterCount)
	}
	s, err := a.readUint64At(int64(a.hdr.ClusterPtrPos) + int64(n)*8)
	if err != nil {
		return 0, 0, err
	}
	var e uint64
	if n+1 < a.hdr.ClusterCount {
		e, err = a.readUint64At(int64(a.hdr.ClusterPtrPos) + int64(n+1)*8)
		if err != nil {
			return 0, 0, err
		}
	} else {
		e = a.hdr.ChecksumPos
		if e == 0 || e > uint64(a.size) {
			e = uint64(a.size)
		}
	}
	if s >= e || e > uint64(a.size) {
		return 0, 0, fmt.Errorf("%w: cluster %d bounds [%d,%d)", ErrCorrupt, n, s, e)
	}
	return int64(s), int64(e), nil
}

// readBlob returns blob number `blob` of cluster `cluster`.
//
// Compressed clusters are decompressed whole; the most recent one is kept so
// that consecutive blob reads from the same cluster (common when serving an
// article and its resources) decompress once.
func (a *Archive) readBlob(cluster, blob uint32) ([]byte, error) {
	start, end, err := a.clusterBounds(cluster)
	if err != nil {
		return nil, err
	}

	var info [1]byte
	if _, err := a.f.ReadAt(info[:], start); err != nil {
		return nil, fmt.Errorf("%w: cluster %d info byte: %v", ErrCorrupt, cluster, err)
	}
	comp := info[0] & 0x0f
	offSize := int64(4)
	if info[0]&extendedClusterFlag != 0 {
		offSize = 8
	}

	switch comp {
	case compressionNone, compressionNoneOld:
		return a.readBlobRaw(start+1, end, offSize, cluster, blob)
	case compressionXZ, compressionZstd:
		data, err := a.decompressCluster(cluster, comp, start+1, end)
		if err != nil {
			return nil, err
		}
		return sliceBlob(data, offSize, cluster, blob)
	default:
		return nil, fmt.Errorf("%w: cluster %d unknown compression %d", ErrCorrupt, cluster, comp)
	}
}

// readBlobRaw reads a blob from an uncompressed cluster with targeted pread
// calls, avoiding loading whole media clusters into memory.
func (a *Archive) readBlobRaw(base, end, offSize int64, cluster, blob uint32) ([]byte, error) {
	readOff := func(i int64) (int64, error) {
		buf := make([]byte, offSize)
		if _, err := a.f.ReadAt(buf, base+i*offSize); err != nil {
			return 0, fmt.Errorf("%w: cluster %d offset %d: %v", ErrCorrupt, cluster, i, err)
		}
		if offSize == 8 {
			return int64(binary.LittleEndian.Uint64(buf)), nil //nolint:gosec // bounded below
		}
		return int64(binary.LittleEndian.Uint32(buf)), nil
	}

	first, err := readOff(0)
	if err != nil {
		return nil, err
	}
	blobCount := first/offSize - 1
	if int64(blob) >= blobCount {
		return nil, fmt.Errorf("%w: blob %d of %d in cluster %d", ErrNotFound, blob, blobCount, cluster)
	}
	bStart, err := readOff(int64(blob))
	if err != nil {
		return nil, err
	}
	bEnd, err := readOff(int64(blob) + 1)
	if err != nil {
		return nil, err
	}
	if bStart > bEnd || base+bEnd > end {
		return nil, fmt.Errorf("%w: blob %d bounds in cluster %d", ErrCorrupt, blob, cluster)
	}
	out := make([]byte, bEnd-bStart)
	if _, err := a.f.ReadAt(out, base+bStart); err != nil {
		return nil, fmt.Errorf("%w: blob %d read in cluster %d: %v", ErrCorrupt, blob, cluster, err)
	}
	return out, nil
}

func (a *Archive) decompressCluster(cluster uint32, comp byte, start, end int64) ([]byte, error) {
	a.clusterMu.Lock()
	defer a.clusterMu.Unlock()
	if a.lastCluster == cluster && a.lastData != nil {
		return a.lastData, nil
	}

	raw := make([]byte, end-start)
	if _, err := a.f.ReadAt(raw, start); err != nil {
		return nil, fmt.Errorf("%w: cluster %d read: %v", ErrCorrupt, cluster, err)
	}

	var (
		data []byte
		err  error
	)
	switch comp {
	case compressionZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(raw))
		if err == nil {
			data, err = io.ReadAll(dec)
			dec.Close()
		}
	case compressionXZ:
		var r io.Reader
		r, err = xz.NewReader(bytes.NewReader(raw))
		if err == nil {
			data, err = io.ReadAll(r)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: cluster %d decompress: %v", ErrCorrupt, cluster, err)
	}

	a.lastCluster = cluster
	a.lastData = data
	return data, nil
}

// sliceBlob extracts one blob from a fully decompressed cluster body.
func sliceBlob(data []byte, offSize int64, cluster, blob uint32) ([]byte, error) {
	if int64(len(data)) < offSize {
		return nil, fmt.Errorf("%w: cluster %d too short", ErrCorrupt, cluster)
	}
	readOff := func(i int64) int64 {
		if offSize == 8 {
			return int64(binary.LittleEndian.Uint64(data[i*8:])) //nolint:gosec // validated below
		}
		return int64(binary.LittleEndian.Uint32(data[i*4:]))
	}
	first := readOff(0)
	blobCount := first/offSize - 1
	if blobCount < 0 || int64(blob) >= blobCount {
		return nil, fmt.Errorf("%w: blob %d of %d in cluster %d", ErrNotFound, blob, blobCount, cluster)
	}
	if first > int64(len(data)) {
		return nil, fmt.Errorf("%w: cluster %d offset table", ErrCorrupt, cluster)
	}
	bStart := readOff(int64(blob))
	bEnd := readOff(int64(blob) + 1)
	if bStart > bEnd || bEnd > int64(len(data)) {
		return nil, fmt.Errorf("%w: blob %d bounds in cluster %d", ErrCorrupt, blob, cluster)
	}
	// Copy so the shared cluster buffer is never aliased by callers.
	out := make([]byte, bEnd-bStart)
	copy(out, data[bStart:bEnd])
	return out, nil
}
