//go:build linux

package segment

import "github.com/skaphan/stmmap/internal/platform"

// Mprotect changes protection on the entire data mapping in place: down
// to PROT_NONE when a transaction starts, and back to the segment's
// default inter-transaction protection when one ends.
func (s *Segment) Mprotect(prot platform.Prot) error {
	return platform.Mprotect(s.data, prot)
}

// RemapShared re-maps the entire data mapping MAP_SHARED at prot, at the
// same virtual address. Used both to publish a commit's writes (remap
// PROT_READ|PROT_WRITE, copy dirty pages back, then Mprotect down to the
// segment's default if that isn't read-write) and to abort a transaction
// (remap directly back to the default protection, undoing every private
// mapping the transaction made in one step).
func (s *Segment) RemapShared(prot platform.Prot) error {
	remapped, err := platform.RemapShared(s.dataFile, s.data, len(s.data), 0, prot)
	if err != nil {
		return err
	}
	s.data = remapped
	return nil
}

// RemapPagePrivate re-maps the single page at pageNum as a private,
// writable copy-on-write mapping, the mechanism behind a transaction's
// first touch of a page.
func (s *Segment) RemapPagePrivate(pageNum int) error {
	base := int64(pageNum) * int64(s.pageSize)
	_, err := platform.RemapPrivate(s.dataFile, s.data[base:base+int64(s.pageSize)], s.pageSize, base)
	return err
}
