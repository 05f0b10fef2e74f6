// Package sidecar implements the file based hand-off the query server uses to
// announce image artifacts, along with the bootstrap files that make the
// server write to it.
package sidecar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
)

// ErrClosed is returned by Drain after Close
var ErrClosed = errors.New("image channel closed")

// maxDrainPasses bounds re-reads when the writer keeps appending during a drain
const maxDrainPasses = 8

// ImageRecord points at an image file produced by the query server
type ImageRecord struct {
	Path string
}

// Channel is a single-producer/single-consumer log of image paths, one per line.
// The producer is the child process, which only ever appends. The consumer
// drains it after every query.
type Channel struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenChannel creates (or truncates) the channel file at path
func OpenChannel(path string) (*Channel, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open image channel: %w", err)
	}
	return &Channel{path: path, file: f}, nil
}

func (c *Channel) Path() string {
	return c.path
}

// Drain returns all buffered records in file order and truncates the file in
// place. The file keeps its path and inode so the producer can keep appending.
func (c *Channel) Drain() ([]ImageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil, ErrClosed
	}

	var data []byte
	for pass := 0; pass < maxDrainPasses; pass++ {
		offset := int64(len(data))
		chunk, err := io.ReadAll(io.NewSectionReader(c.file, offset, math.MaxInt64-offset))
		if err != nil {
			return nil, fmt.Errorf("read image channel: %w", err)
		}
		data = append(data, chunk...)

		info, err := c.file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat image channel: %w", err)
		}
		if info.Size() <= int64(len(data)) {
			break
		}
	}

	if err := c.file.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncate image channel: %w", err)
	}

	return parseRecords(data), nil
}

// Close closes the channel file. The file itself is left for the owner to remove.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

func parseRecords(data []byte) []ImageRecord {
	records := make([]ImageRecord, 0)
	for _, line := range bytes.Split(data, []byte("\n")) {
		path := strings.TrimSpace(strings.TrimSuffix(string(line), "\r"))
		if path == "" {
			continue
		}
		records = append(records, ImageRecord{Path: path})
	}
	return records
}
