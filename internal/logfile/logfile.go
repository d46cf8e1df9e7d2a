// Package logfile implements the append-only JSONL segment file described in
// spec §4.1. One operating-system file backs one stream incarnation; the
// relational index is authoritative for record boundaries, so the file
// itself only needs to support atomic appends and positioned reads.
package logfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// File wraps a single *.jsonl segment. Appends within a process are
// serialized by mu; the single-writer invariant across processes is the
// caller's responsibility (spec §4.1).
type File struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// Open opens (creating if necessary) the segment file at path and records
// its current size as the write cursor.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logfile: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("logfile: stat %s: %w", path, err)
	}
	return &File{f: f, size: info.Size()}, nil
}

// Append writes data followed by a single newline. It returns the byte
// position the payload starts at (excluding any framing) and its length,
// excluding the trailing newline, matching spec §4.1's append contract.
func (l *File) Append(data []byte) (pos int64, length int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos = l.size
	n, err := l.f.Write(data)
	if err != nil {
		return 0, 0, fmt.Errorf("logfile: write: %w", err)
	}
	if _, err := l.f.Write([]byte{'\n'}); err != nil {
		return 0, 0, fmt.Errorf("logfile: write newline: %w", err)
	}
	l.size += int64(n) + 1
	return pos, n, nil
}

// ReadAt reads exactly length bytes starting at pos using a positioned read.
func (l *File) ReadAt(pos int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := l.f.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("logfile: readAt: %w", err)
	}
	return buf[:n], nil
}

// ReadFrom returns every byte from pos to the current end of file.
func (l *File) ReadFrom(pos int64) ([]byte, error) {
	l.mu.Lock()
	size := l.size
	l.mu.Unlock()

	if pos >= size {
		return nil, nil
	}
	return l.ReadAt(pos, int(size-pos))
}

// Size returns the current write cursor (total bytes written, including
// newline framing).
func (l *File) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close closes the underlying descriptor.
func (l *File) Close() error {
	return l.f.Close()
}

// Scan reads the segment from the beginning, yielding each newline-delimited
// record's starting position and payload. Nothing in this module calls it;
// the index is not reconciled against the file at startup.
func Scan(path string, fn func(pos int64, data []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	var pos int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			payload := line
			if payload[len(payload)-1] == '\n' {
				payload = payload[:len(payload)-1]
			}
			if ferr := fn(pos, payload); ferr != nil {
				return ferr
			}
			pos += int64(len(line))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
