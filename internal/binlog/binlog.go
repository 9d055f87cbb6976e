// Package binlog implements the append-only record log backing botgate's
// persistent state. Records are length-prefixed, typed, and CRC-checked;
// appends are posted to a dedicated writer goroutine so callers never block
// on disk I/O.
package binlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var magic = []byte("BGLOG\x00\x00\x01")

const (
	headerSize    = 8
	frameOverhead = 4 + 1 + 4 // length + type + crc
	maxRecordSize = 1 << 20
)

// ErrCorruptHeader reports an unreadable log header; startup must abort.
var ErrCorruptHeader = errors.New("binlog: corrupt header")

// ErrRecordTooLarge reports a record exceeding the frame size cap.
var ErrRecordTooLarge = errors.New("binlog: record too large")

// Record is one replayed log entry. Type codes are assigned by the owning
// store; Data is only valid during the replay callback.
type Record struct {
	Type uint8
	Data []byte
}

// Log is an append-only record log. Open replays nothing by itself; call
// Replay before the first Append.
type Log struct {
	path   string
	logger *slog.Logger

	file *os.File

	mu       sync.Mutex
	closed   bool
	appendCh chan []byte
	done     chan struct{}
	replayed bool
}

// Open opens or creates the log at path, creating parent directories as
// needed. An existing file with an unreadable header is a fatal error.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("binlog: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("binlog: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("binlog: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := file.Write(magic); err != nil {
			file.Close()
			return nil, fmt.Errorf("binlog: write header: %w", err)
		}
	} else {
		header := make([]byte, headerSize)
		if _, err := io.ReadFull(file, header); err != nil || !bytes.Equal(header, magic) {
			file.Close()
			return nil, fmt.Errorf("%w: %s", ErrCorruptHeader, path)
		}
	}

	return &Log{
		path:   path,
		logger: logger,
		file:   file,
	}, nil
}

// Replay reads every valid record in order and hands it to fn. A record
// with a bad checksum is dropped with a warning and replay continues; an
// implausible frame length truncates the remaining tail. Replay positions
// the file for appending and starts the writer goroutine.
func (l *Log) Replay(fn func(Record)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.replayed {
		return errors.New("binlog: already replayed")
	}

	offset := int64(headerSize)
	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("binlog: seek: %w", err)
	}

	r := bufio.NewReader(l.file)
	var lenBuf [4]byte
	dropped := 0
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				return fmt.Errorf("binlog: read frame length: %w", err)
			}
			break
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		if size < 1 || size > maxRecordSize {
			l.logger.Warn("binlog: implausible frame length, truncating tail",
				"path", l.path, "offset", offset, "length", size)
			break
		}
		frame := make([]byte, size+4)
		if _, err := io.ReadFull(r, frame); err != nil {
			l.logger.Warn("binlog: truncated frame, truncating tail",
				"path", l.path, "offset", offset)
			break
		}
		body := frame[:size]
		want := binary.LittleEndian.Uint32(frame[size:])
		if crc32.ChecksumIEEE(body) != want {
			dropped++
			l.logger.Warn("binlog: checksum mismatch, record dropped",
				"path", l.path, "offset", offset)
			offset += int64(4 + size + 4)
			continue
		}
		fn(Record{Type: body[0], Data: body[1:]})
		offset += int64(4 + size + 4)
	}
	if dropped > 0 {
		l.logger.Warn("binlog: replay dropped records", "path", l.path, "dropped", dropped)
	}

	// Append after the last whole frame; a truncated tail is overwritten.
	if _, err := l.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("binlog: seek to append position: %w", err)
	}
	if err := l.file.Truncate(offset); err != nil {
		return fmt.Errorf("binlog: truncate tail: %w", err)
	}

	l.replayed = true
	l.appendCh = make(chan []byte, 1024)
	l.done = make(chan struct{})
	go l.writeLoop()
	return nil
}

// Append queues one record for writing. It never blocks on disk; durability
// is best-effort until Close, which flushes and fsyncs.
func (l *Log) Append(typ uint8, data []byte) error {
	if len(data)+1 > maxRecordSize {
		return ErrRecordTooLarge
	}
	size := uint32(1 + len(data))
	frame := make([]byte, 4+size+4)
	binary.LittleEndian.PutUint32(frame, size)
	frame[4] = typ
	copy(frame[5:], data)
	binary.LittleEndian.PutUint32(frame[4+size:], crc32.ChecksumIEEE(frame[4:4+size]))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errClosed
	}
	if !l.replayed {
		return errors.New("binlog: append before replay")
	}
	l.appendCh <- frame
	return nil
}

var errClosed = errors.New("binlog: closed")

func (l *Log) writeLoop() {
	defer close(l.done)
	w := bufio.NewWriter(l.file)
	for frame := range l.appendCh {
		if _, err := w.Write(frame); err != nil {
			l.logger.Error("binlog: write failed", "path", l.path, "error", err)
			continue
		}
		// Flush when the queue drains so readers after Close see a whole log
		// without paying a syscall per record under load.
		if len(l.appendCh) == 0 {
			if err := w.Flush(); err != nil {
				l.logger.Error("binlog: flush failed", "path", l.path, "error", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		l.logger.Error("binlog: final flush failed", "path", l.path, "error", err)
	}
}

// Close drains pending appends, fsyncs, and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	replayed := l.replayed
	l.mu.Unlock()

	if replayed {
		close(l.appendCh)
		<-l.done
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("binlog: sync: %w", err)
	}
	return l.file.Close()
}
