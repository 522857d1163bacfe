// Package local provides a single-node storage.Engine backed by an
// append-only record log.
//
// Every Put appends the full record; every Remove appends a tombstone. The
// latest entry for an id wins. On Open the log is scanned once to rebuild an
// in-memory id → offset table, and a torn trailing entry left by a crash is
// truncated away. A background Compactor rewrites the live entries into a
// fresh file once superseded entries accumulate.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/snehjoshi/leaseq/internal/storage"
)

// logVersion identifies the binary format written to log.dat.
// Increment this if the on-disk format ever changes; old files are then
// rejected rather than silently misread.
const logVersion uint8 = 1

// Entry operations.
const (
	opPut    uint8 = 1
	opRemove uint8 = 2
)

// Each entry is a length-prefixed binary record:
//
//	[totalLen   : 4 bytes, uint32, big-endian]
//	[version    : 1 byte]
//	[op         : 1 byte]
//	[idLen      : 2 bytes, uint16]
//	[payloadLen : 4 bytes, uint32]
//	--- variable length ---
//	[id         : idLen bytes]
//	[payload    : payloadLen bytes]   ← JSON storage.Record; empty for opRemove
//	--- integrity ---
//	[checksum   : 4 bytes, uint32, CRC32 of everything above]
//
// totalLen covers all bytes after the 4-byte length prefix itself.
const (
	lenPrefixSize   = 4
	fixedHeaderSize = 1 + 1 + 2 + 4
	checksumSize    = 4

	// maxEntrySize guards the decoder against a garbage length prefix.
	maxEntrySize = 64 << 20
)

// errTorn marks an entry that was only partly written.
var errTorn = errors.New("log: torn entry")

// entry is one decoded log record.
type entry struct {
	op      uint8
	id      string
	payload []byte
}

// Log is an append-only file of entries. All methods are safe for concurrent
// use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	size int64 // end of the last valid entry; appends go here
}

// OpenLog opens (or creates) the log file at path. Any torn or corrupt tail
// is cut off so that new entries follow the last valid one.
func OpenLog(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("log: open %s: %w", path, err)
	}
	l := &Log{file: f, path: path}
	if err := l.recoverTail(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("log: recover %s: %w", path, err)
	}
	return l, nil
}

// Append writes e at the end of the log and returns its byte offset.
func (l *Log) Append(e entry) (int64, error) {
	buf, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.size
	if _, err := l.file.WriteAt(buf, offset); err != nil {
		return 0, fmt.Errorf("log: write entry at %d: %w", offset, err)
	}
	l.size += int64(len(buf))
	return offset, nil
}

// ReadAt reads and decodes the entry at offset.
func (l *Log) ReadAt(offset int64) (entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, _, err := l.readAt(offset)
	return e, err
}

// Scan calls fn for every valid entry in file order. Iteration stops at the
// first non-nil error fn returns.
func (l *Log) Scan(fn func(offset int64, e entry) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var offset int64
	for offset < l.size {
		e, n, err := l.readAt(offset)
		if err != nil {
			return fmt.Errorf("log: scan at %d: %w", offset, err)
		}
		if err := fn(offset, e); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

// Path returns the filesystem path of this log file.
func (l *Log) Path() string { return l.path }

// Size returns the number of bytes holding valid entries.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Reopen closes the current file and reopens the file at path.
// Used by compaction after atomically renaming the compacted log into place.
func (l *Log) Reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("log: sync before reopen: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("log: close before reopen: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("log: reopen %s: %w", path, err)
	}
	l.file = f
	l.path = path
	l.size = 0
	return l.recoverTail()
}

// Sync flushes the OS file buffer to physical disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("log: sync: %w", err)
	}
	return l.file.Close()
}

// recoverTail walks the file to find the end of the last valid entry and
// truncates anything after it. Caller holds mu (or owns l exclusively).
func (l *Log) recoverTail() error {
	var offset int64
	for {
		_, n, err := l.readAt(offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTorn) || errors.Is(err, storage.ErrCorrupted) {
			if terr := l.file.Truncate(offset); terr != nil {
				return fmt.Errorf("truncate torn tail at %d: %w", offset, terr)
			}
			break
		}
		if err != nil {
			return err
		}
		offset += n
	}
	l.size = offset
	return nil
}

// readAt decodes the entry at offset and returns it with its full on-disk
// size. It returns io.EOF exactly at the end of the file.
func (l *Log) readAt(offset int64) (entry, int64, error) {
	var lenBuf [lenPrefixSize]byte
	n, err := l.file.ReadAt(lenBuf[:], offset)
	if n == 0 && errors.Is(err, io.EOF) {
		return entry{}, 0, io.EOF
	}
	if n < lenPrefixSize {
		return entry{}, 0, errTorn
	}
	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen < fixedHeaderSize+checksumSize || totalLen > maxEntrySize {
		return entry{}, 0, fmt.Errorf("log: bad entry length %d at %d: %w", totalLen, offset, storage.ErrCorrupted)
	}

	buf := make([]byte, totalLen)
	if n, err := l.file.ReadAt(buf, offset+lenPrefixSize); n < len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			return entry{}, 0, errTorn
		}
		return entry{}, 0, fmt.Errorf("log: read entry at %d: %w", offset, err)
	}

	e, err := decodeEntry(buf)
	if err != nil {
		return entry{}, 0, err
	}
	return e, lenPrefixSize + int64(totalLen), nil
}

// ---- binary encoding helpers -----------------------------------------------

func encodeEntry(e entry) ([]byte, error) {
	if len(e.id) > 0xFFFF {
		return nil, fmt.Errorf("log: id too long (%d bytes)", len(e.id))
	}
	totalLen := fixedHeaderSize + len(e.id) + len(e.payload) + checksumSize
	if totalLen > maxEntrySize {
		return nil, fmt.Errorf("log: entry too large (%d bytes)", totalLen)
	}

	buf := make([]byte, 0, lenPrefixSize+totalLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalLen))
	buf = append(buf, logVersion, e.op)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.id)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.payload)))
	buf = append(buf, e.id...)
	buf = append(buf, e.payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf[lenPrefixSize:])), nil
}

// decodeEntry deserialises an entry buffer (without the 4-byte length prefix).
func decodeEntry(buf []byte) (entry, error) {
	body, sum := buf[:len(buf)-checksumSize], buf[len(buf)-checksumSize:]
	if stored, computed := binary.BigEndian.Uint32(sum), crc32.ChecksumIEEE(body); stored != computed {
		return entry{}, fmt.Errorf("log: checksum mismatch (stored=%x computed=%x): %w",
			stored, computed, storage.ErrCorrupted)
	}
	if body[0] != logVersion {
		return entry{}, fmt.Errorf("log: unsupported version %d", body[0])
	}

	op := body[1]
	idLen := int(binary.BigEndian.Uint16(body[2:4]))
	payloadLen := int(binary.BigEndian.Uint32(body[4:8]))
	if fixedHeaderSize+idLen+payloadLen != len(body) {
		return entry{}, fmt.Errorf("log: field lengths disagree with entry length: %w", storage.ErrCorrupted)
	}
	if op != opPut && op != opRemove {
		return entry{}, fmt.Errorf("log: unknown op %d: %w", op, storage.ErrCorrupted)
	}

	rest := body[fixedHeaderSize:]
	e := entry{op: op, id: string(rest[:idLen])}
	if payloadLen > 0 {
		e.payload = make([]byte, payloadLen)
		copy(e.payload, rest[idLen:])
	}
	return e, nil
}
