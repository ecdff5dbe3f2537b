package zim

import (
	"context"
	"fmt"
	"strings"
)

// TitleAt returns the entry at index i of the title pointer list, which the
// format orders by title. Values in that list are indexes into the URL
// pointer list.
func (a *Archive) TitleAt(i uint32) (*Entry, error) {
	if i >= a.hdr.EntryCount {
		return nil, fmt.Errorf("%w: title index %d of %d", ErrNotFound, i, a.hdr.EntryCount)
	}
	var buf [4]byte
	if _, err := a.f.ReadAt(buf[:], int64(a.hdr.TitlePtrPos)+int64(i)*4); err != nil {
		return nil, fmt.Errorf("%w: title pointer at %d: %v", ErrCorrupt, i, err)
	}
	idx := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	return a.EntryAt(idx)
}

// FindTitles scans the title-ordered entry list for content entries whose
// title contains every token, case-insensitively. It returns up to limit
// matches and stops early when ctx is done, returning what it has.
//
// This is the archive-native search used for the deep phase of queries; the
// caller is expected to serialize calls across archives.
func (a *Archive) FindTitles(ctx context.Context, tokens []string, limit int) ([]*Entry, error) {
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}
	lower := make([]string, len(tokens))
	for i, tok := range tokens {
		lower[i] = strings.ToLower(tok)
	}

	var out []*Entry
	n := a.hdr.EntryCount
	for i := uint32(0); i < n; i++ {
		// Deadline checks are cheap; do them every batch of dirent reads.
		if i%512 == 0 && ctx.Err() != nil {
			return out, nil
		}
		e, err := a.TitleAt(i)
		if err != nil {
			continue
		}
		if e.IsRedirect() {
			continue
		}
		switch e.Namespace {
		case 'A', 'C':
		default:
			continue
		}
		title := strings.ToLower(e.Title)
		ok := true
		for _, tok := range lower {
			if !strings.Contains(title, tok) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
