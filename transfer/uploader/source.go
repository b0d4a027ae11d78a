package uploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// ChunkSource provides a file's chunks for upload.
// Chunk may be called multiple times for the same index when an upload
// attempt is retried.
type ChunkSource interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// ChunkSize returns the size of the chunk at the given index.
	ChunkSize(index int) int64

	// Chunk returns a reader over the chunk at the given index.
	// The caller closes it.
	Chunk(index int) (io.ReadCloser, error)
}

// FileSource cuts a file on disk into fixed-size chunks. Every Chunk call
// opens its own handle, so parallel workers never contend on a shared
// file offset.
type FileSource struct {
	path      string
	size      int64
	chunkSize int64
}

// NewFileSource creates a ChunkSource over the file at path.
func NewFileSource(path string, chunkSize int64) (*FileSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		path:      path,
		size:      info.Size(),
		chunkSize: chunkSize,
	}, nil
}

// Size returns the file size in bytes.
func (s *FileSource) Size() int64 {
	return s.size
}

// NumChunks returns the total number of chunks.
// An empty file still counts as a single empty chunk.
func (s *FileSource) NumChunks() int {
	if s.size == 0 {
		return 1
	}
	return int((s.size + s.chunkSize - 1) / s.chunkSize)
}

// ChunkSize returns the size of the chunk at the given index.
func (s *FileSource) ChunkSize(index int) int64 {
	offset := int64(index) * s.chunkSize
	if offset >= s.size {
		return 0
	}
	remaining := s.size - offset
	if remaining < s.chunkSize {
		return remaining
	}
	return s.chunkSize
}

// Chunk opens a fresh handle and returns a section reader over the
// chunk's byte range.
func (s *FileSource) Chunk(index int) (io.ReadCloser, error) {
	if index < 0 || index >= s.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, s.NumChunks())
	}

	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}

	return &fileChunk{
		SectionReader: io.NewSectionReader(file, int64(index)*s.chunkSize, s.ChunkSize(index)),
		file:          file,
	}, nil
}

type fileChunk struct {
	*io.SectionReader
	file *os.File
}

func (c *fileChunk) Close() error {
	return c.file.Close()
}

// BytesSource serves chunks from a byte slice already in memory.
type BytesSource struct {
	data      []byte
	chunkSize int64
}

// NewBytesSource creates a ChunkSource over data.
func NewBytesSource(data []byte, chunkSize int64) (*BytesSource, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	return &BytesSource{data: data, chunkSize: chunkSize}, nil
}

// NumChunks returns the total number of chunks.
func (s *BytesSource) NumChunks() int {
	if len(s.data) == 0 {
		return 1
	}
	return int((int64(len(s.data)) + s.chunkSize - 1) / s.chunkSize)
}

// ChunkSize returns the size of the chunk at the given index.
func (s *BytesSource) ChunkSize(index int) int64 {
	offset := int64(index) * s.chunkSize
	if offset >= int64(len(s.data)) {
		return 0
	}
	remaining := int64(len(s.data)) - offset
	if remaining < s.chunkSize {
		return remaining
	}
	return s.chunkSize
}

// Chunk returns a reader over the chunk's byte range.
func (s *BytesSource) Chunk(index int) (io.ReadCloser, error) {
	if index < 0 || index >= s.NumChunks() {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, s.NumChunks())
	}

	start := int64(index) * s.chunkSize
	end := start + s.ChunkSize(index)
	return io.NopCloser(bytes.NewReader(s.data[start:end])), nil
}
