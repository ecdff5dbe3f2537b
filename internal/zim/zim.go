// Package zim reads ZIM archives (the openzim.org file format used by Kiwix).
//
// It implements the subset of the format the server needs: directory entry
// lookup by URL or index, redirect resolution, metadata entries, and blob
// reads from uncompressed, zstd, and xz/LZMA2 clusters. Writing ZIM files is
// out of scope.
package zim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound indicates the requested entry does not exist in the archive.
var ErrNotFound = errors.New("zim: entry not found")

// ErrCorrupt indicates the archive file violates the ZIM format.
var ErrCorrupt = errors.New("zim: corrupt archive")

const (
	magicNumber = 0x044D495A
	headerSize  = 80

	// Dirent mimetype sentinel values.
	mimeRedirect = 0xffff

	// Redirect chains longer than this are treated as corrupt.
	maxRedirectDepth = 8
)

type header struct {
	MajorVersion  uint16
	MinorVersion  uint16
	EntryCount    uint32
	ClusterCount  uint32
	URLPtrPos     uint64
	TitlePtrPos   uint64
	ClusterPtrPos uint64
	MimeListPos   uint64
	MainPage      uint32
	LayoutPage    uint32
	ChecksumPos   uint64
}

// Archive is an opened ZIM file. All read methods are safe for concurrent use:
// file access goes through ReadAt and the only mutable state is the cluster
// scratch cache, which has its own lock.
type Archive struct {
	f    *os.File
	path string
	size int64
	hdr  header

	mimeTypes []string

	// lastCluster caches the most recently decompressed cluster. Sequential
	// reads within one article usually hit the same cluster.
	clusterMu   sync.Mutex
	lastCluster uint32
	lastData    []byte
}

// Open opens the ZIM archive at path and parses its header and MIME list.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open zim: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat zim: %w", err)
	}

	a := &Archive{f: f, path: path, size: st.Size(), lastCluster: ^uint32(0)}
	if err := a.readHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := a.readMimeList(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the underlying file handle.
func (a *Archive) Close() error {
	if a == nil || a.f == nil {
		return nil
	}
	//nolint:wrapcheck // Close passes through the os error
	return a.f.Close()
}

// Path returns the filesystem path the archive was opened from.
func (a *Archive) Path() string { return a.path }

// EntryCount returns the total number of directory entries (articles,
// redirects, media, and metadata).
func (a *Archive) EntryCount() uint32 { return a.hdr.EntryCount }

func (a *Archive) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := a.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != magicNumber {
		return fmt.Errorf("%w: bad magic number", ErrCorrupt)
	}
	a.hdr = header{
		MajorVersion:  binary.LittleEndian.Uint16(buf[4:6]),
		MinorVersion:  binary.LittleEndian.Uint16(buf[6:8]),
		EntryCount:    binary.LittleEndian.Uint32(buf[24:28]),
		ClusterCount:  binary.LittleEndian.Uint32(buf[28:32]),
		URLPtrPos:     binary.LittleEndian.Uint64(buf[32:40]),
		TitlePtrPos:   binary.LittleEndian.Uint64(buf[40:48]),
		ClusterPtrPos: binary.LittleEndian.Uint64(buf[48:56]),
		MimeListPos:   binary.LittleEndian.Uint64(buf[56:64]),
		MainPage:      binary.LittleEndian.Uint32(buf[64:68]),
		LayoutPage:    binary.LittleEndian.Uint32(buf[68:72]),
		ChecksumPos:   binary.LittleEndian.Uint64(buf[72:80]),
	}
	return nil
}

// readMimeList parses the zero-terminated MIME type strings that follow the
// header. The list ends at an empty string.
func (a *Archive) readMimeList() error {
	// The MIME list sits between MimeListPos and URLPtrPos.
	if a.hdr.URLPtrPos < a.hdr.MimeListPos || a.hdr.URLPtrPos > uint64(a.size) {
		return fmt.Errorf("%w: mime list bounds", ErrCorrupt)
	}
	buf := make([]byte, a.hdr.URLPtrPos-a.hdr.MimeListPos)
	if _, err := a.f.ReadAt(buf, int64(a.hdr.MimeListPos)); err != nil {
		return fmt.Errorf("%w: mime list: %v", ErrCorrupt, err)
	}
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, 0)
		if i < 0 {
			return fmt.Errorf("%w: unterminated mime list", ErrCorrupt)
		}
		if i == 0 {
			break
		}
		a.mimeTypes = append(a.mimeTypes, string(buf[:i]))
		buf = buf[i+1:]
	}
	return nil
}

// Entry is one directory entry of an archive.
type Entry struct {
	a *Archive

	// Namespace is the single-character ZIM namespace ('A', 'C', 'M', ...).
	Namespace byte
	// URL is the entry URL within its namespace.
	URL string
	// Title is the display title; empty titles fall back to URL per the format.
	Title string
	// MimeType is the entry's MIME type, empty for redirects.
	MimeType string

	redirect      bool
	redirectIndex uint32
	clusterNum    uint32
	blobNum       uint32
}

// Path returns the namespace-qualified path, e.g. "A/Water".
func (e *Entry) Path() string { return string(e.Namespace) + "/" + e.URL }

// IsRedirect reports whether the entry redirects to another entry.
func (e *Entry) IsRedirect() bool { return e.redirect }

// Resolve follows redirects until a content entry is reached.
func (e *Entry) Resolve() (*Entry, error) {
	cur := e
	for depth := 0; cur.redirect; depth++ {
		if depth >= maxRedirectDepth {
			return nil, fmt.Errorf("%w: redirect chain too deep at %s", ErrCorrupt, e.Path())
		}
		next, err := cur.a.EntryAt(cur.redirectIndex)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// Data reads and returns the entry's blob. Redirects must be resolved first.
func (e *Entry) Data() ([]byte, error) {
	if e.redirect {
		return nil, fmt.Errorf("%w: cannot read redirect %s", ErrNotFound, e.Path())
	}
	return e.a.readBlob(e.clusterNum, e.blobNum)
}

// EntryAt returns the directory entry at index i of the URL pointer list.
func (a *Archive) EntryAt(i uint32) (*Entry, error) {
	if i >= a.hdr.EntryCount {
		return nil, fmt.Errorf("%w: entry index %d of %d", ErrNotFound, i, a.hdr.EntryCount)
	}
	off, err := a.readUint64At(int64(a.hdr.URLPtrPos) + int64(i)*8)
	if err != nil {
		return nil, err
	}
	return a.readDirent(int64(off))
}

// direntHeadSize covers the fixed fields plus a worst-case URL/title read.
const direntReadSize = 4096

func (a *Archive) readDirent(off int64) (*Entry, error) {
	// Read a chunk; dirents are small and URL+title rarely approach 4 KiB.
	// Reads near EOF return io.ErrUnexpectedEOF with a short buffer; tolerate
	// that as long as the dirent itself fits.
	buf := make([]byte, direntReadSize)
	n, err := a.f.ReadAt(buf, off)
	if n <= 0 && err != nil {
		return nil, fmt.Errorf("%w: dirent at %d: %v", ErrCorrupt, off, err)
	}
	buf = buf[:n]
	if len(buf) < 12 {
		return nil, fmt.Errorf("%w: short dirent at %d", ErrCorrupt, off)
	}

	e := &Entry{a: a}
	mime := binary.LittleEndian.Uint16(buf[0:2])
	paramLen := buf[2]
	e.Namespace = buf[3]
	// buf[4:8] is the revision, unused.

	var rest []byte
	if mime == mimeRedirect {
		e.redirect = true
		e.redirectIndex = binary.LittleEndian.Uint32(buf[8:12])
		rest = buf[12:]
	} else {
		if len(buf) < 16 {
			return nil, fmt.Errorf("%w: short content dirent at %d", ErrCorrupt, off)
		}
		if int(mime) >= len(a.mimeTypes) {
			return nil, fmt.Errorf("%w: mime index %d out of range", ErrCorrupt, mime)
		}
		e.MimeType = a.mimeTypes[mime]
		e.clusterNum = binary.LittleEndian.Uint32(buf[8:12])
		e.blobNum = binary.LittleEndian.Uint32(buf[12:16])
		rest = buf[16:]
	}

	url, rest, ok := cutZString(rest)
	if !ok {
		return nil, fmt.Errorf("%w: unterminated url at %d", ErrCorrupt, off)
	}
	title, _, ok := cutZString(rest)
	if !ok {
		return nil, fmt.Errorf("%w: unterminated title at %d", ErrCorrupt, off)
	}
	_ = paramLen // parameters are never used by this server

	e.URL = url
	e.Title = title
	if e.Title == "" {
		e.Title = e.URL
	}
	return e, nil
}

func cutZString(b []byte) (s string, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, false
	}
	return string(b[:i]), b[i+1:], true
}

// EntryByPath looks up an entry by namespace-qualified path ("A/Water").
// Bare paths without a namespace are tried in the content namespaces
// ('C' for new-namespace archives, then 'A' for classic ones).
func (a *Archive) EntryByPath(path string) (*Entry, error) {
	if len(path) >= 2 && path[1] == '/' {
		return a.entryByURL(path[0], path[2:])
	}
	for _, ns := range [...]byte{'C', 'A'} {
		if e, err := a.entryByURL(ns, path); err == nil {
			return e, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// entryByURL binary-searches the URL pointer list, which the format orders by
// (namespace, url).
func (a *Archive) entryByURL(ns byte, url string) (*Entry, error) {
	n := int(a.hdr.EntryCount)
	var searchErr error
	i := sort.Search(n, func(i int) bool {
		if searchErr != nil {
			return true
		}
		e, err := a.EntryAt(uint32(i)) //nolint:gosec // i < EntryCount
		if err != nil {
			searchErr = err
			return true
		}
		if e.Namespace != ns {
			return e.Namespace > ns
		}
		return e.URL >= url
	})
	if searchErr != nil {
		return nil, searchErr
	}
	if i >= n {
		return nil, fmt.Errorf("%w: %c/%s", ErrNotFound, ns, url)
	}
	e, err := a.EntryAt(uint32(i)) //nolint:gosec // i < EntryCount
	if err != nil {
		return nil, err
	}
	if e.Namespace != ns || e.URL != url {
		return nil, fmt.Errorf("%w: %c/%s", ErrNotFound, ns, url)
	}
	return e, nil
}

// MainEntry returns the archive's main page entry, following redirects.
func (a *Archive) MainEntry() (*Entry, error) {
	if a.hdr.MainPage == 0xffffffff {
		return nil, fmt.Errorf("%w: no main page", ErrNotFound)
	}
	e, err := a.EntryAt(a.hdr.MainPage)
	if err != nil {
		return nil, err
	}
	return e.Resolve()
}

// Metadata returns the value of a metadata entry (namespace 'M'), such as
// "Title", "Description", "Language", "Publisher", or "Flavour".
func (a *Archive) Metadata(key string) (string, bool) {
	e, err := a.entryByURL('M', key)
	if err != nil {
		return "", false
	}
	e, err = e.Resolve()
	if err != nil {
		return "", false
	}
	data, err := e.Data()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

// Illustration returns the archive's 48x48 icon bytes, or nil when absent.
func (a *Archive) Illustration() []byte {
	for _, path := range [...]string{"M/Illustration_48x48@1", "-/favicon", "I/favicon"} {
		e, err := a.EntryByPath(path)
		if err != nil {
			continue
		}
		if e, err = e.Resolve(); err != nil {
			continue
		}
		data, err := e.Data()
		if err == nil && len(data) > 0 {
			return data
		}
	}
	return nil
}

func (a *Archive) readUint64At(off int64) (uint64, error) {
	var buf [8]byte
	if _, err := a.f.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("%w: pointer at %d: %v", ErrCorrupt, off, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
