//go:build linux

// Package segment opens and maps the files a stmmap transaction runs
// against: a data file holding the bytes every transaction reads and
// writes, and a ".metadata" sidecar holding the transaction counter, the
// active-transactions array, and one page-table entry per data page.
// Every process that maps the same pair of files sees the same metadata,
// which is how transactions in different processes detect conflicts with
// each other.
package segment

import (
	"fmt"
	"os"

	"github.com/skaphan/stmmap/internal/platform"
)

// MaxActiveTransactions bounds the active-transactions array kept in the
// metadata header. Exceeding it is fatal.
const MaxActiveTransactions = 100

const (
	headerCounterOff   = 0
	headerLockOff      = 4
	headerHighWaterOff = 8
	headerActiveOff    = 12
	headerSize         = headerActiveOff + MaxActiveTransactions*4
)

// pageTableEntrySize is the size of one page_table_element: a pair of
// 32-bit transaction ids, (current, completed).
const pageTableEntrySize = 8

// Segment is one opened, mapped data file plus its metadata sidecar.
// Mirrors shared_segment.
type Segment struct {
	filename     string
	metaFilename string

	dataFile *os.File
	metaFile *os.File

	inode uint64

	pageSize    int
	size        uint64
	defaultProt platform.Prot

	data []byte
	meta []byte

	metaHeaderBytes int64
}

// Open creates or reattaches to a segment backed by filename (and
// filename+".metadata"), mapping size bytes of data at va (or wherever the
// kernel chooses, if va is nil) with defaultProt as the protection
// transactions restore between commits.
func Open(filename string, size uint64, va []byte, defaultProt platform.Prot) (*Segment, error) {
	pageSize := platform.PageSize()
	s := &Segment{
		filename:     filename,
		metaFilename: filename + ".metadata",
		pageSize:     pageSize,
		size:         size,
		defaultProt:  defaultProt,
	}

	dataFile, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", filename, err)
	}
	s.dataFile = dataFile

	inode, err := checkFileLength(dataFile, int64(size))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.inode = inode

	metaHeaderBytes := roundUpToPage(headerSize, pageSize)
	pageCount := int64(size) / int64(pageSize)
	metaSize := metaHeaderBytes + pageCount*pageTableEntrySize
	s.metaHeaderBytes = metaHeaderBytes

	metaFile, err := os.OpenFile(s.metaFilename, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("segment: open %s: %w", s.metaFilename, err)
	}
	s.metaFile = metaFile

	if _, err := checkFileLength(metaFile, metaSize); err != nil {
		s.Close()
		return nil, err
	}

	data, err := platform.MapShared(dataFile, va, int(size), 0, defaultProt)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", filename, err)
	}
	s.data = data

	meta, err := platform.MapShared(metaFile, nil, int(metaSize), 0, platform.ProtReadWrite)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("segment: mmap %s: %w", s.metaFilename, err)
	}
	s.meta = meta

	return s, nil
}

// checkFileLength fstats f, rejects non-regular files, and grows f to
// length if it is currently shorter.
func checkFileLength(f *os.File, length int64) (inode uint64, err error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("segment: stat %s: %w", f.Name(), err)
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("segment: %s is not a regular file", f.Name())
	}
	if fi.Size() < length {
		if err := f.Truncate(length); err != nil {
			return 0, fmt.Errorf("segment: truncate %s to %d: %w", f.Name(), length, err)
		}
	}
	return inodeOf(fi), nil
}

func roundUpToPage(n, pageSize int) int64 {
	size := int64(pageSize)
	return ((int64(n) + size - 1) / size) * size
}

// Close unmaps and closes both files. Safe to call on a partially
// constructed Segment (as Open does on its own error paths) and on one
// already closed.
func (s *Segment) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.data != nil {
		note(platform.Unmap(s.data))
		s.data = nil
	}
	if s.meta != nil {
		note(platform.Unmap(s.meta))
		s.meta = nil
	}
	if s.dataFile != nil {
		note(s.dataFile.Close())
		s.dataFile = nil
	}
	if s.metaFile != nil {
		note(s.metaFile.Close())
		s.metaFile = nil
	}
	return firstErr
}

func (s *Segment) Filename() string { return s.filename }
func (s *Segment) Inode() uint64 { return s.inode }
func (s *Segment) PageSize() int { return s.pageSize }
func (s *Segment) Size() uint64 { return s.size }
func (s *Segment) PageCount() int { return int(s.size) / s.pageSize }
func (s *Segment) DefaultProt() platform.Prot { return s.defaultProt }
func (s *Segment) Data() []byte { return s.data }
func (s *Segment) DataFile() *os.File { return s.dataFile }

// Contains reports whether addr falls inside this segment's mapped data
// range.
func (s *Segment) Contains(addr uintptr) bool {
	if len(s.data) == 0 {
		return false
	}
	base := dataAddr(s.data)
	return base <= addr && addr < base+uintptr(len(s.data))
}

// PageBase rounds addr down to this segment's nearest page boundary, as an
// offset relative to the start of the data mapping. The caller must have
// already confirmed Contains(addr).
func (s *Segment) PageBase(addr uintptr) int64 {
	off := int64(addr - dataAddr(s.data))
	pageSize := int64(s.pageSize)
	return (off / pageSize) * pageSize
}
