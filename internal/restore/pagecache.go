package restore

import (
	"encoding/binary"
	"fmt"
	"os"
)

// pageCache buffers the pages of one in-flight transaction. Below
// spillThreshold entries it stays purely in memory; past that it spills
// each new page straight to a swap file, keeping at most one entry's
// worth of bytes resident at a time. Either way, Flush is the only
// place pages reach the target file, so a crash mid-transaction never
// leaves a partial write visible.
type pageCache struct {
	pageSize       uint32
	spillThreshold int
	swapPath       string

	mem  map[uint32][]byte
	swap *os.File
	// order preserves first-write order per page number so Flush can
	// replay pages in a stable sequence even once spilled.
	order []uint32
}

func newPageCache(pageSize uint32, spillThreshold int, swapPath string) *pageCache {
	return &pageCache{
		pageSize:       pageSize,
		spillThreshold: spillThreshold,
		swapPath:       swapPath,
		mem:            make(map[uint32][]byte),
	}
}

// Put records one page. Overwriting a page already buffered this
// transaction replaces its bytes, matching "last write in a
// transaction wins" semantics for a WAL frame stream.
func (c *pageCache) Put(pageNo uint32, data []byte) error {
	_, alreadyBuffered := c.mem[pageNo]
	if !alreadyBuffered {
		c.order = append(c.order, pageNo)
	}
	if len(c.order) <= c.spillThreshold {
		c.mem[pageNo] = append([]byte(nil), data...)
		return nil
	}
	return c.spillOne(pageNo, data)
}

func (c *pageCache) spillOne(pageNo uint32, data []byte) error {
	if c.swap == nil {
		f, err := os.Create(c.swapPath)
		if err != nil {
			return fmt.Errorf("restore: create page cache swap file: %w", err)
		}
		c.swap = f
	}
	// Store pageNo + length-prefixed body sequentially; Flush re-reads
	// this file once to resolve the final bytes per page number.
	delete(c.mem, pageNo)
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header[0:4], pageNo)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(data)))
	if _, err := c.swap.Write(header); err != nil {
		return fmt.Errorf("restore: write page cache swap header: %w", err)
	}
	if _, err := c.swap.Write(data); err != nil {
		return fmt.Errorf("restore: write page cache swap body: %w", err)
	}
	return nil
}

// Flush writes every buffered page to dst at its page-aligned offset,
// then resets the cache for the next transaction.
func (c *pageCache) Flush(dst *os.File) error {
	if c.swap != nil {
		if err := c.flushSwap(dst); err != nil {
			return err
		}
	}
	for _, pageNo := range c.order {
		data, ok := c.mem[pageNo]
		if !ok {
			continue
		}
		if err := writePage(dst, c.pageSize, pageNo, data); err != nil {
			return err
		}
	}
	c.reset()
	return nil
}

func (c *pageCache) flushSwap(dst *os.File) error {
	if err := c.swap.Sync(); err != nil {
		return fmt.Errorf("restore: sync page cache swap file: %w", err)
	}
	if _, err := c.swap.Seek(0, 0); err != nil {
		return fmt.Errorf("restore: rewind page cache swap file: %w", err)
	}

	latest := make(map[uint32][]byte)
	header := make([]byte, 8)
	for {
		if _, err := readFull(c.swap, header); err != nil {
			break
		}
		pageNo := binary.BigEndian.Uint32(header[0:4])
		length := binary.BigEndian.Uint32(header[4:8])
		body := make([]byte, length)
		if _, err := readFull(c.swap, body); err != nil {
			return fmt.Errorf("restore: read page cache swap body: %w", err)
		}
		latest[pageNo] = body
	}
	for _, pageNo := range c.order {
		data, ok := latest[pageNo]
		if !ok {
			continue
		}
		if err := writePage(dst, c.pageSize, pageNo, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *pageCache) reset() {
	c.mem = make(map[uint32][]byte)
	c.order = nil
	if c.swap != nil {
		c.swap.Close()
		os.Remove(c.swapPath)
		c.swap = nil
	}
}

func writePage(dst *os.File, pageSize, pageNo uint32, data []byte) error {
	offset := int64(pageNo-1) * int64(pageSize)
	if _, err := dst.WriteAt(data, offset); err != nil {
		return fmt.Errorf("restore: write page %d: %w", pageNo, err)
	}
	return nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
