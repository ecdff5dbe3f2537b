// Package zimtest builds small ZIM archives for tests.
//
// The builder writes a single-cluster archive that is valid per the openzim
// file format: sorted URL pointer list, dirents, cluster with blob offset
// table, and a zero MD5 checksum trailer. It exists so tests can exercise the
// real reader and the layers above it without shipping binary fixtures.
package zimtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Entry is one entry to include in the built archive.
type Entry struct {
	Namespace byte
	URL       string
	Title     string
	MimeType  string
	Content   []byte

	// RedirectTo, when set, makes this a redirect dirent to the named
	// namespace-qualified path. Content and MimeType are ignored.
	RedirectTo string

	// Main marks this entry as the archive's main page.
	Main bool
}

// Builder accumulates entries and writes a ZIM file.
type Builder struct {
	Entries []Entry

	// ZstdCluster selects a zstd-compressed cluster instead of the default
	// uncompressed one.
	ZstdCluster bool
}

// Add appends a content entry.
func (b *Builder) Add(ns byte, url, title, mime string, content []byte) {
	b.Entries = append(b.Entries, Entry{Namespace: ns, URL: url, Title: title, MimeType: mime, Content: content})
}

// AddRedirect appends a redirect entry pointing at target ("A/Water").
func (b *Builder) AddRedirect(ns byte, url, title, target string) {
	b.Entries = append(b.Entries, Entry{Namespace: ns, URL: url, Title: title, RedirectTo: target})
}

// WriteFile assembles the archive and writes it to path.
func (b *Builder) WriteFile(path string) error {
	data, err := b.Build()
	if err != nil {
		return err
	}
	//nolint:gosec // test fixture file
	return os.WriteFile(path, data, 0o644)
}

// Build assembles the archive in memory.
func (b *Builder) Build() ([]byte, error) {
	entries := make([]Entry, len(b.Entries))
	copy(entries, b.Entries)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Namespace != entries[j].Namespace {
			return entries[i].Namespace < entries[j].Namespace
		}
		return entries[i].URL < entries[j].URL
	})

	indexOf := make(map[string]uint32, len(entries))
	for i, e := range entries {
		indexOf[string(e.Namespace)+"/"+e.URL] = uint32(i) //nolint:gosec // test-sized
	}

	// MIME list: unique types in first-use order.
	var mimes []string
	mimeIndex := make(map[string]uint16)
	for _, e := range entries {
		if e.RedirectTo != "" {
			continue
		}
		if _, ok := mimeIndex[e.MimeType]; !ok {
			mimeIndex[e.MimeType] = uint16(len(mimes)) //nolint:gosec // test-sized
			mimes = append(mimes, e.MimeType)
		}
	}
	var mimeList bytes.Buffer
	for _, m := range mimes {
		mimeList.WriteString(m)
		mimeList.WriteByte(0)
	}
	mimeList.WriteByte(0)

	// Cluster body: blobs for content entries in sorted order.
	var blobs [][]byte
	blobOf := make(map[int]uint32)
	for i, e := range entries {
		if e.RedirectTo != "" {
			continue
		}
		blobOf[i] = uint32(len(blobs)) //nolint:gosec // test-sized
		blobs = append(blobs, e.Content)
	}
	cluster, err := buildCluster(blobs, b.ZstdCluster)
	if err != nil {
		return nil, err
	}

	// Dirents, recording each entry's offset relative to the dirent area.
	var dirents bytes.Buffer
	direntOff := make([]uint64, len(entries))
	for i, e := range entries {
		direntOff[i] = uint64(dirents.Len())
		var fixed [16]byte
		if e.RedirectTo != "" {
			target, ok := indexOf[e.RedirectTo]
			if !ok {
				return nil, fmt.Errorf("zimtest: redirect target %q not in builder", e.RedirectTo)
			}
			binary.LittleEndian.PutUint16(fixed[0:2], 0xffff)
			fixed[3] = e.Namespace
			binary.LittleEndian.PutUint32(fixed[8:12], target)
			dirents.Write(fixed[:12])
		} else {
			binary.LittleEndian.PutUint16(fixed[0:2], mimeIndex[e.MimeType])
			fixed[3] = e.Namespace
			binary.LittleEndian.PutUint32(fixed[8:12], 0) // cluster 0
			binary.LittleEndian.PutUint32(fixed[12:16], blobOf[i])
			dirents.Write(fixed[:16])
		}
		dirents.WriteString(e.URL)
		dirents.WriteByte(0)
		dirents.WriteString(e.Title)
		dirents.WriteByte(0)
	}

	n := uint64(len(entries))
	mimeListPos := uint64(80)
	urlPtrPos := mimeListPos + uint64(mimeList.Len())
	titlePtrPos := urlPtrPos + n*8
	direntPos := titlePtrPos + n*4
	clusterPtrPos := direntPos + uint64(dirents.Len())
	clusterPos := clusterPtrPos + 8
	checksumPos := clusterPos + uint64(len(cluster))

	mainPage := uint32(0xffffffff)
	for i, e := range entries {
		if e.Main {
			mainPage = uint32(i) //nolint:gosec // test-sized
		}
	}

	var out bytes.Buffer
	head := make([]byte, 80)
	binary.LittleEndian.PutUint32(head[0:4], 0x044D495A)
	binary.LittleEndian.PutUint16(head[4:6], 6) // major
	binary.LittleEndian.PutUint16(head[6:8], 1) // minor
	binary.LittleEndian.PutUint32(head[24:28], uint32(n)) //nolint:gosec // test-sized
	binary.LittleEndian.PutUint32(head[28:32], 1)
	binary.LittleEndian.PutUint64(head[32:40], urlPtrPos)
	binary.LittleEndian.PutUint64(head[40:48], titlePtrPos)
	binary.LittleEndian.PutUint64(head[48:56], clusterPtrPos)
	binary.LittleEndian.PutUint64(head[56:64], mimeListPos)
	binary.LittleEndian.PutUint32(head[64:68], mainPage)
	binary.LittleEndian.PutUint32(head[68:72], 0xffffffff)
	binary.LittleEndian.PutUint64(head[72:80], checksumPos)
	out.Write(head)
	out.Write(mimeList.Bytes())

	for i := range entries {
		var p [8]byte
		binary.LittleEndian.PutUint64(p[:], direntPos+direntOff[i])
		out.Write(p[:])
	}
	// Title pointer list: indices into the URL pointer list, title-ordered.
	titleOrder := make([]int, len(entries))
	for i := range titleOrder {
		titleOrder[i] = i
	}
	sort.Slice(titleOrder, func(i, j int) bool {
		return entries[titleOrder[i]].Title < entries[titleOrder[j]].Title
	})
	for _, idx := range titleOrder {
		var p [4]byte
		binary.LittleEndian.PutUint32(p[:], uint32(idx)) //nolint:gosec // test-sized
		out.Write(p[:])
	}

	out.Write(dirents.Bytes())

	var cp [8]byte
	binary.LittleEndian.PutUint64(cp[:], clusterPos)
	out.Write(cp[:])
	out.Write(cluster)

	out.Write(make([]byte, 16)) // zero MD5 trailer

	return out.Bytes(), nil
}

func buildCluster(blobs [][]byte, compress bool) ([]byte, error) {
	// Offset table (relative to the start of the table) followed by blobs.
	var body bytes.Buffer
	tableLen := uint32(4 * (len(blobs) + 1)) //nolint:gosec // test-sized
	off := tableLen
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], off)
	body.Write(p[:])
	for _, blob := range blobs {
		off += uint32(len(blob)) //nolint:gosec // test-sized
		binary.LittleEndian.PutUint32(p[:], off)
		body.Write(p[:])
	}
	for _, blob := range blobs {
		body.Write(blob)
	}

	if !compress {
		return append([]byte{1}, body.Bytes()...), nil
	}

	var comp bytes.Buffer
	enc, err := zstd.NewWriter(&comp)
	if err != nil {
		return nil, fmt.Errorf("zimtest: zstd writer: %w", err)
	}
	if _, err := enc.Write(body.Bytes()); err != nil {
		return nil, fmt.Errorf("zimtest: zstd write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("zimtest: zstd close: %w", err)
	}
	return append([]byte{5}, comp.Bytes()...), nil
}
