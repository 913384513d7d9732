// Package xlog implements the write-ahead-log / vinyl-run file format of
// spec §4.6/§6: a text meta block, a sequence of transactions each framed
// by a fixed binary header (magic/crc/length/flags) and an optionally
// zstd-compressed body of MessagePack-style rows, and a cursor that can
// recover from a corrupt transaction by re-scanning for the next magic.
//
// Framing is grounded on the teacher's pkg/wal (WALHeader's fixed-size
// binary layout, CRC32-Castagnoli checksum, entryPool/bufferPool reuse);
// generalized here to a transaction containing many rows, with optional
// whole-transaction zstd compression, since a single WAL entry in the
// teacher maps to a single row rather than a batched transaction.
package xlog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vinylcore/vinyl/pkg/errors"
	"github.com/vinylcore/vinyl/pkg/vclock"
)

// txHeaderSize is the fixed binary framing size preceding every
// transaction's body: magic(4) + flags(1) + reserved(3) + length(4) +
// crc(4).
const txHeaderSize = 16

// Magic is the 4-byte marker a cursor scans for to resynchronize after a
// corrupt transaction (spec §4.6's "seeks the next fix-header magic").
const Magic uint32 = 0xC0FFEE11

// Flag bits for a transaction's fixed header.
const (
	FlagCompressed uint8 = 1 << iota
)

// FileType names the four file kinds sharing this framing (spec §4.6/§6).
type FileType string

const (
	FileTypeXlog  FileType = "XLOG"
	FileTypeSnap  FileType = "SNAP"
	FileTypeRun   FileType = "RUN"
	FileTypeIndex FileType = "INDEX"
)

// Meta is the text meta block every xlog/snap/run/index file opens with.
type Meta struct {
	FileType   FileType
	ServerUUID uuid.UUID
	VClock     *vclock.VClock
}

// WriteTo renders the meta block as the line-oriented text format spec
// §4.6 calls for, terminated by a blank line.
func (m Meta) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "FILETYPE: %s\n", m.FileType)
	fmt.Fprintf(&buf, "SERVER: %s\n", m.ServerUUID.String())
	if m.VClock != nil {
		fmt.Fprintf(&buf, "VCLOCK: %s\n", m.VClock.String())
	} else {
		fmt.Fprintf(&buf, "VCLOCK: {}\n")
	}
	buf.WriteByte('\n')
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ReadMeta parses a meta block from the front of r.
func ReadMeta(r *bufio.Reader) (Meta, error) {
	var m Meta
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			return m, errors.Wrap(err, errors.CodeWalIO, "read meta block")
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return m, nil
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "FILETYPE":
			m.FileType = FileType(val)
		case "SERVER":
			if id, perr := uuid.Parse(val); perr == nil {
				m.ServerUUID = id
			}
		case "VCLOCK":
			m.VClock = parseVClock(val)
		}
	}
}

// parseVClock parses the "{origin: lsn, ...}" rendering produced by
// vclock.VClock.String.
func parseVClock(s string) *vclock.VClock {
	vc := vclock.New()
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return vc
	}
	for _, pair := range strings.Split(s, ", ") {
		k, v, ok := strings.Cut(pair, ": ")
		if !ok {
			continue
		}
		origin, err1 := strconv.ParseUint(strings.TrimSpace(k), 10, 32)
		lsn, err2 := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err1 == nil && err2 == nil {
			vc.Set(uint32(origin), lsn)
		}
	}
	return vc
}

// txHeader is the fixed-size framing preceding every transaction body.
type txHeader struct {
	Magic  uint32
	Flags  uint8
	Length uint32
	CRC    uint32
}

func (h txHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Flags
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[8:12], h.Length)
	binary.LittleEndian.PutUint32(buf[12:16], h.CRC)
}

func (h *txHeader) decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Flags = buf[4]
	h.Length = binary.LittleEndian.Uint32(buf[8:12])
	h.CRC = binary.LittleEndian.Uint32(buf[12:16])
}
