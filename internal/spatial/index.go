package spatial

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"

	"github.com/wegman-software/featuresync/internal/feature"
)

// Index file layout (little-endian):
//
//	magic   [4]byte "FSIX"
//	version uint32
//	count   uint64
//	flags   uint32 (bit 0: extent initialized)
//	_       uint32
//	extent  4 x float64
//	entries count x (id int64, minX, minY, maxX, maxY float64)
const (
	indexMagic   = "FSIX"
	indexVersion = 1
	headerSize   = 4 + 4 + 8 + 4 + 4 + 32
	entrySize    = 8 + 32

	flagExtentInit = 1
)

// Save writes the cache to path. The file is written next to path and
// renamed into place so a crash never leaves a truncated index.
func (c *Cache) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmpFile := path + ".tmp"
	f, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}

	if err := c.writeLocked(bufio.NewWriter(f)); err != nil {
		f.Close()
		os.Remove(tmpFile)
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename index file: %w", err)
	}
	return nil
}

func (c *Cache) writeLocked(w *bufio.Writer) error {
	ids := make([]int64, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	header := make([]byte, headerSize)
	copy(header[0:4], indexMagic)
	binary.LittleEndian.PutUint32(header[4:], indexVersion)
	binary.LittleEndian.PutUint64(header[8:], uint64(len(ids)))
	var flags uint32
	if c.extent.IsInit() {
		flags |= flagExtentInit
	}
	binary.LittleEndian.PutUint32(header[16:], flags)
	putEnvelope(header[24:], c.extent)
	if _, err := w.Write(header); err != nil {
		return err
	}

	entry := make([]byte, entrySize)
	for _, id := range ids {
		binary.LittleEndian.PutUint64(entry[0:], uint64(id))
		putEnvelope(entry[8:], c.entries[id])
		if _, err := w.Write(entry); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load replaces the cache contents with the index at path. On any failure the
// cache is left empty so the caller rebuilds it from stored geometry.
func (c *Cache) Load(path string) error {
	c.Clear()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat index file: %w", err)
	}
	if info.Size() < headerSize {
		return fmt.Errorf("index file too small: %d bytes", info.Size())
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap index file: %w", err)
	}
	defer data.Unmap()

	if string(data[0:4]) != indexMagic {
		return fmt.Errorf("bad index magic %q", data[0:4])
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != indexVersion {
		return fmt.Errorf("unsupported index version %d", v)
	}
	count := binary.LittleEndian.Uint64(data[8:])
	if uint64(len(data)-headerSize) != count*entrySize {
		return fmt.Errorf("index file size mismatch: %d entries in %d bytes", count, len(data))
	}

	flags := binary.LittleEndian.Uint32(data[16:])
	var extent feature.Envelope
	if flags&flagExtentInit != 0 {
		extent = getEnvelope(data[24:])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for off := headerSize; off < len(data); off += entrySize {
		id := int64(binary.LittleEndian.Uint64(data[off:]))
		env := getEnvelope(data[off+8:])
		c.insertLocked(id, env)
		// Keep the extent a superset even if the file header is stale
		extent = extent.Merge(env)
	}
	c.extent = extent
	return nil
}

func putEnvelope(b []byte, e feature.Envelope) {
	binary.LittleEndian.PutUint64(b[0:], math.Float64bits(e.MinX))
	binary.LittleEndian.PutUint64(b[8:], math.Float64bits(e.MinY))
	binary.LittleEndian.PutUint64(b[16:], math.Float64bits(e.MaxX))
	binary.LittleEndian.PutUint64(b[24:], math.Float64bits(e.MaxY))
}

func getEnvelope(b []byte) feature.Envelope {
	return feature.NewEnvelope(
		math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		math.Float64frombits(binary.LittleEndian.Uint64(b[24:])),
	)
}
