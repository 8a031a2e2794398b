// Package blockfile stores encoded blocks in a rotating set of compressed
// flat files. Each record is compressed on its own so it can be read back
// from its starting offset without touching the rest of the file.
package blockfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/xtalchain/xtal/foundation/blockchain/storage"
	"github.com/xtalchain/xtal/foundation/validate"
)

// ErrEndOfFiles is returned by the iterator once every record is read.
var ErrEndOfFiles = errors.New("end of block files")

// Config represents the configuration required to open a block file store.
type Config struct {
	Dir         string `json:"dir" validate:"required"`
	MaxFileSize uint64 `json:"max_file_size" validate:"gt=0"`
	Compression string `json:"compression" validate:"omitempty,oneof=zstd snappy"`
	Level       int    `json:"level" validate:"gte=0,lte=22"`
}

// Store manages appending records to and reading records from the block
// files in a directory. Appends are expected from a single writer.
type Store struct {
	dir     string
	maxSize uint64
	codec   codec

	mu    sync.Mutex
	index uint64
	size  uint64
}

// New opens the block files in the configured directory, creating the
// directory if needed. Writing resumes in the newest existing file.
func New(cfg Config) (*Store, error) {
	if err := validate.Check(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	c, err := codecFor(cfg.Compression, cfg.Level)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	s := Store{
		dir:     cfg.Dir,
		maxSize: cfg.MaxFileSize,
		codec:   c,
		index:   1,
	}

	files, err := s.list()
	if err != nil {
		return nil, err
	}

	if len(files) > 0 {
		last := files[len(files)-1]
		s.index = last.index

		switch {
		case last.ext != c.ext():
			s.index++

		default:
			info, err := os.Stat(filepath.Join(s.dir, last.name))
			if err != nil {
				return nil, err
			}
			s.size = uint64(info.Size())
		}
	}

	return &s, nil
}

// Append compresses the encoded record into the current block file and
// returns where it starts. The file is rotated first when the current one
// has reached the maximum size.
func (s *Store) Append(data []byte) (storage.BlockLocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.maxSize {
		s.index++
		s.size = 0
	}

	name := fileName(s.index, s.codec.ext())

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return storage.BlockLocation{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return storage.BlockLocation{}, err
	}
	offset := info.Size()

	written, err := s.write(f, data)
	if err != nil {
		return storage.BlockLocation{}, s.rollback(f, name, offset, err)
	}
	s.size = uint64(offset) + written

	loc := storage.BlockLocation{
		FileName: name,
		Offset:   uint64(offset),
	}

	return loc, nil
}

// truncater is the part of a file rollback needs.
type truncater interface {
	Truncate(size int64) error
}

// rollback drops the partial record written past offset so the file stays a
// clean sequence of records. When the file cannot be cut back the store
// moves to a new file so no later record follows the partial one. The
// caller must hold the lock.
func (s *Store) rollback(f truncater, name string, offset int64, cause error) error {
	terr := f.Truncate(offset)
	if terr == nil {
		return cause
	}

	s.index++
	s.size = 0

	return errors.Join(cause, fmt.Errorf("truncating %s at %d: %w", name, offset, terr))
}

// write streams the record through the codec and flushes it to stable
// storage. It returns the number of compressed bytes written.
func (s *Store) write(f *os.File, data []byte) (uint64, error) {
	cw := countingWriter{w: f}

	enc, err := s.codec.newWriter(&cw)
	if err != nil {
		return 0, err
	}

	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return 0, err
	}

	if err := enc.Close(); err != nil {
		return 0, err
	}

	if err := f.Sync(); err != nil {
		return 0, err
	}

	return cw.n, nil
}

// Read returns the single encoded record that starts at the location.
func (s *Store) Read(loc storage.BlockLocation) ([]byte, error) {
	name := filepath.Base(loc.FileName)

	c, err := codecForFile(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(int64(loc.Offset), io.SeekStart); err != nil {
		return nil, err
	}

	r, release, err := c.newReader(f)
	if err != nil {
		return nil, err
	}
	defer release()

	raw, err := rlp.NewStream(r, 0).Raw()
	if err != nil {
		return nil, fmt.Errorf("reading record at %s: %w", loc, err)
	}

	return raw, nil
}

// Files returns the names of the block files in the order they were written.
func (s *Store) Files() ([]string, error) {
	files, err := s.list()
	if err != nil {
		return nil, err
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.name
	}

	return names, nil
}

// Current returns the name of the file the next record will be appended to
// and the bytes already written to it.
func (s *Store) Current() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.maxSize {
		return fileName(s.index+1, s.codec.ext()), 0
	}

	return fileName(s.index, s.codec.ext()), s.size
}

// ForEach returns an iterator to walk through every record starting with
// the first record of the first file.
func (s *Store) ForEach() (*Iterator, error) {
	names, err := s.Files()
	if err != nil {
		return nil, err
	}

	return &Iterator{dir: s.dir, files: names}, nil
}

// ForEachFile returns an iterator to walk through the records of the named
// files only, in the order the names are given.
func (s *Store) ForEachFile(names ...string) *Iterator {
	return &Iterator{dir: s.dir, files: names}
}

// =============================================================================

// blockFile describes one block file found on disk.
type blockFile struct {
	name  string
	index uint64
	ext   string
}

// list returns the block files in the directory ordered by index.
func (s *Store) list() ([]blockFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var files []blockFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		var index uint64
		var ext string
		if _, err := fmt.Sscanf(entry.Name(), "block_file_%d.dat.%s", &index, &ext); err != nil {
			continue
		}

		if entry.Name() != fileName(index, ext) {
			continue
		}

		if _, err := codecForFile(entry.Name()); err != nil {
			continue
		}

		files = append(files, blockFile{name: entry.Name(), index: index, ext: ext})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].index < files[j].index
	})

	return files, nil
}

// fileName forms the name of the block file with the specified index.
func fileName(index uint64, ext string) string {
	return fmt.Sprintf("block_file_%d.dat.%s", index, ext)
}

// =============================================================================

// Iterator represents the iteration implementation for walking through
// and reading records from the block files.
type Iterator struct {
	dir     string
	files   []string
	current int
	file    *os.File
	release func()
	stream  *rlp.Stream
	eoc     bool
}

// Next retrieves the next record from disk.
func (it *Iterator) Next() ([]byte, error) {
	for {
		if it.eoc {
			return nil, ErrEndOfFiles
		}

		if it.stream == nil {
			if it.current >= len(it.files) {
				it.eoc = true
				return nil, ErrEndOfFiles
			}

			if err := it.open(it.files[it.current]); err != nil {
				it.abort()
				return nil, err
			}
		}

		raw, err := it.stream.Raw()
		switch {
		case errors.Is(err, io.EOF):
			it.closeFile()
			it.current++
			continue

		case err != nil:
			name := it.files[it.current]
			it.abort()
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		return raw, nil
	}
}

// Done returns the end of chain value.
func (it *Iterator) Done() bool {
	return it.eoc
}

// Close releases the file held by the iterator and ends the iteration.
func (it *Iterator) Close() {
	it.closeFile()
	it.eoc = true
}

// abort releases the current file and makes the next call to Next report
// the end of the files.
func (it *Iterator) abort() {
	it.closeFile()
	it.current = len(it.files)
}

func (it *Iterator) open(name string) error {
	c, err := codecForFile(name)
	if err != nil {
		return err
	}

	f, err := os.Open(filepath.Join(it.dir, name))
	if err != nil {
		return err
	}

	r, release, err := c.newReader(f)
	if err != nil {
		f.Close()
		return err
	}

	it.file = f
	it.release = release
	it.stream = rlp.NewStream(r, 0)

	return nil
}

func (it *Iterator) closeFile() {
	if it.release != nil {
		it.release()
		it.release = nil
	}
	if it.file != nil {
		it.file.Close()
		it.file = nil
	}
	it.stream = nil
}
