// rr_log.go - Non-determinism log file codec, little-endian on disk

/*
rr_log.go - Record/Replay Log Files for IntuitionTrace

One log file holds the complete stream of non-deterministic events of a
recording session, each keyed by the program point at which it occurred.
The on-disk layout per entry, all little-endian:

    ProgPoint  : u32 pc, u32 scratch, u64 instr_count
    Header     : ProgPoint, u8 kind, u8 callsite
    variant    :
      INPUT_1        u8
      INPUT_2        u16
      INPUT_4        u32
      INPUT_8        u64
      INTERRUPT_REQ  u16
      SKIPPED_CALL   u8 call_kind, then
          MEM_RW          u32 addr, u32 len, u8 is_write, u8[len] buf
          REG_MEM_REGION  u32 start, u64 size, u64 phys_offset
      LAST           terminator, no payload

A writer closes the log cleanly by appending a LAST entry; a reader
treats LAST (or end of file) as end of stream.
*/

package main

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RRLogWriter appends entries to a recording log.
type RRLogWriter struct {
	path string
	f    *os.File
	w    *bufio.Writer
	n    uint64 // entries written
}

// NewRRLogWriter creates (truncates) a recording log.
func NewRRLogWriter(dir, name string) (*RRLogWriter, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("rr: cannot create log %s: %w", path, err)
	}
	return &RRLogWriter{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func writeHeader(w io.Writer, h *RRHeader) error {
	var buf [18]byte
	binary.LittleEndian.PutUint32(buf[0:], h.Point.PC)
	binary.LittleEndian.PutUint32(buf[4:], h.Point.Scratch)
	binary.LittleEndian.PutUint64(buf[8:], h.Point.InstrCount)
	buf[16] = byte(h.Kind)
	buf[17] = byte(h.Callsite)
	_, err := w.Write(buf[:])
	return err
}

// WriteEntry appends one entry.
func (lw *RRLogWriter) WriteEntry(e *RREntry) error {
	if err := writeHeader(lw.w, &e.Header); err != nil {
		return err
	}
	var scratch [8]byte
	switch e.Header.Kind {
	case RR_INPUT_1:
		scratch[0] = byte(e.Input)
		_, _ = lw.w.Write(scratch[:1])
	case RR_INPUT_2:
		binary.LittleEndian.PutUint16(scratch[:], uint16(e.Input))
		_, _ = lw.w.Write(scratch[:2])
	case RR_INPUT_4:
		binary.LittleEndian.PutUint32(scratch[:], uint32(e.Input))
		_, _ = lw.w.Write(scratch[:4])
	case RR_INPUT_8:
		binary.LittleEndian.PutUint64(scratch[:], e.Input)
		_, _ = lw.w.Write(scratch[:8])
	case RR_INTERRUPT_REQUEST:
		binary.LittleEndian.PutUint16(scratch[:], e.InterruptReq)
		_, _ = lw.w.Write(scratch[:2])
	case RR_SKIPPED_CALL:
		scratch[0] = byte(e.CallKind)
		_, _ = lw.w.Write(scratch[:1])
		switch e.CallKind {
		case RR_CALL_CPU_MEM_RW:
			binary.LittleEndian.PutUint32(scratch[0:], e.MemRW.Addr)
			binary.LittleEndian.PutUint32(scratch[4:], e.MemRW.Len)
			_, _ = lw.w.Write(scratch[:8])
			if e.MemRW.IsWrite {
				scratch[0] = 1
			} else {
				scratch[0] = 0
			}
			_, _ = lw.w.Write(scratch[:1])
			if e.MemRW.IsWrite {
				if uint32(len(e.MemRW.Buf)) != e.MemRW.Len {
					return fmt.Errorf("rr: mem_rw payload length %d does not match len %d",
						len(e.MemRW.Buf), e.MemRW.Len)
				}
				_, _ = lw.w.Write(e.MemRW.Buf)
			}
		case RR_CALL_CPU_REG_MEM_REGION:
			binary.LittleEndian.PutUint32(scratch[0:], e.RegMemRegion.Start)
			_, _ = lw.w.Write(scratch[:4])
			binary.LittleEndian.PutUint64(scratch[:], e.RegMemRegion.Size)
			_, _ = lw.w.Write(scratch[:8])
			binary.LittleEndian.PutUint64(scratch[:], e.RegMemRegion.PhysOffset)
			_, _ = lw.w.Write(scratch[:8])
		default:
			return fmt.Errorf("rr: cannot encode skipped call kind %d", e.CallKind)
		}
	case RR_LAST:
		// terminator, no payload
	default:
		return fmt.Errorf("rr: cannot encode entry kind %d", e.Header.Kind)
	}
	lw.n++
	return lw.w.Flush()
}

// Close terminates the log with a LAST entry at the given program point
// and closes the file.
func (lw *RRLogWriter) Close(at ProgPoint) error {
	last := &RREntry{Header: RRHeader{Point: at, Kind: RR_LAST}}
	if err := lw.WriteEntry(last); err != nil {
		lw.f.Close()
		return err
	}
	if err := lw.w.Flush(); err != nil {
		lw.f.Close()
		return err
	}
	return lw.f.Close()
}

// Entries returns the number of entries written, terminator included.
func (lw *RRLogWriter) Entries() uint64 { return lw.n }

// RRLogReader consumes a recorded log in order, one entry lookahead.
type RRLogReader struct {
	path      string
	f         *os.File
	r         *bufio.Reader
	head      *RREntry
	done      bool
	bytesRead int64
	size      int64
	consumed  uint64
}

// NewRRLogReader opens a log for replay and primes the first entry.
func NewRRLogReader(dir, name string) (*RRLogReader, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rr: cannot open log %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	lr := &RRLogReader{path: path, f: f, r: bufio.NewReader(f), size: st.Size()}
	if err := lr.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return lr, nil
}

func (lr *RRLogReader) read(buf []byte) error {
	n, err := io.ReadFull(lr.r, buf)
	lr.bytesRead += int64(n)
	return err
}

// advance reads the next entry into head.
func (lr *RRLogReader) advance() error {
	if lr.done {
		lr.head = nil
		return nil
	}
	var hdr [18]byte
	if err := lr.read(hdr[:]); err != nil {
		if err == io.EOF {
			lr.done = true
			lr.head = nil
			return nil
		}
		return fmt.Errorf("rr: truncated log %s: %w", lr.path, err)
	}
	e := &RREntry{Header: RRHeader{
		Point: ProgPoint{
			PC:         binary.LittleEndian.Uint32(hdr[0:]),
			Scratch:    binary.LittleEndian.Uint32(hdr[4:]),
			InstrCount: binary.LittleEndian.Uint64(hdr[8:]),
		},
		Kind:     RREntryKind(hdr[16]),
		Callsite: RRCallsite(hdr[17]),
	}}
	var scratch [8]byte
	switch e.Header.Kind {
	case RR_INPUT_1:
		if err := lr.read(scratch[:1]); err != nil {
			return err
		}
		e.Input = uint64(scratch[0])
	case RR_INPUT_2:
		if err := lr.read(scratch[:2]); err != nil {
			return err
		}
		e.Input = uint64(binary.LittleEndian.Uint16(scratch[:]))
	case RR_INPUT_4:
		if err := lr.read(scratch[:4]); err != nil {
			return err
		}
		e.Input = uint64(binary.LittleEndian.Uint32(scratch[:]))
	case RR_INPUT_8:
		if err := lr.read(scratch[:8]); err != nil {
			return err
		}
		e.Input = binary.LittleEndian.Uint64(scratch[:])
	case RR_INTERRUPT_REQUEST:
		if err := lr.read(scratch[:2]); err != nil {
			return err
		}
		e.InterruptReq = binary.LittleEndian.Uint16(scratch[:])
	case RR_SKIPPED_CALL:
		if err := lr.read(scratch[:1]); err != nil {
			return err
		}
		e.CallKind = RRCallKind(scratch[0])
		switch e.CallKind {
		case RR_CALL_CPU_MEM_RW:
			if err := lr.read(scratch[:8]); err != nil {
				return err
			}
			e.MemRW.Addr = binary.LittleEndian.Uint32(scratch[0:])
			e.MemRW.Len = binary.LittleEndian.Uint32(scratch[4:])
			if err := lr.read(scratch[:1]); err != nil {
				return err
			}
			e.MemRW.IsWrite = scratch[0] != 0
			if e.MemRW.IsWrite {
				e.MemRW.Buf = make([]byte, e.MemRW.Len)
				if err := lr.read(e.MemRW.Buf); err != nil {
					return err
				}
			}
		case RR_CALL_CPU_REG_MEM_REGION:
			if err := lr.read(scratch[:4]); err != nil {
				return err
			}
			e.RegMemRegion.Start = binary.LittleEndian.Uint32(scratch[:])
			if err := lr.read(scratch[:8]); err != nil {
				return err
			}
			e.RegMemRegion.Size = binary.LittleEndian.Uint64(scratch[:])
			if err := lr.read(scratch[:8]); err != nil {
				return err
			}
			e.RegMemRegion.PhysOffset = binary.LittleEndian.Uint64(scratch[:])
		default:
			return fmt.Errorf("rr: corrupt log %s: skipped call kind %d", lr.path, e.CallKind)
		}
	case RR_LAST:
		lr.done = true
	default:
		return fmt.Errorf("rr: corrupt log %s: entry kind %d", lr.path, e.Header.Kind)
	}
	lr.head = e
	return nil
}

// Head returns the next unconsumed entry, or nil at end of log. The
// terminator is visible as a RR_LAST head so replay can verify the
// final program point.
func (lr *RRLogReader) Head() *RREntry { return lr.head }

// Consume drops the head and reads the next entry.
func (lr *RRLogReader) Consume() (*RREntry, error) {
	e := lr.head
	if e == nil {
		return nil, fmt.Errorf("rr: log %s exhausted", lr.path)
	}
	lr.consumed++
	if e.Header.Kind == RR_LAST {
		lr.head = nil
		return e, nil
	}
	return e, lr.advance()
}

// Progress returns replay progress in percent of log bytes.
func (lr *RRLogReader) Progress() float64 {
	if lr.size == 0 {
		return 100
	}
	return float64(lr.bytesRead) * 100 / float64(lr.size)
}

// Consumed returns the number of consumed entries.
func (lr *RRLogReader) Consumed() uint64 { return lr.consumed }

// Close releases the file.
func (lr *RRLogReader) Close() error { return lr.f.Close() }
