package xlog

import (
	"io"
	"os"

	"github.com/DataDog/zstd"

	"github.com/vinylcore/vinyl/pkg/errors"
)

// ReadTxAt reads one transaction's rows at a known byte offset, for
// random-access page loads (the run iterator of spec §4.4 binary-
// searches the page index, then loads exactly one page by offset rather
// than scanning sequentially with a Cursor).
func ReadTxAt(file *os.File, offset int64) ([]Row, error) {
	headerBuf := make([]byte, txHeaderSize)
	if _, err := file.ReadAt(headerBuf, offset); err != nil {
		return nil, errors.Wrap(err, errors.CodeWalIO, "read page header at offset %d", offset)
	}
	var h txHeader
	h.decode(headerBuf)
	if h.Magic != Magic {
		return nil, errors.New(errors.CodeXlogGap, "no transaction magic at offset %d", offset)
	}

	body := make([]byte, h.Length)
	if _, err := file.ReadAt(body, offset+txHeaderSize); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.CodeWalIO, "read page body at offset %d", offset)
	}
	if !verifyChecksum(body, h.CRC) {
		return nil, errors.New(errors.CodeXlogGap, "checksum mismatch for page at offset %d", offset)
	}
	if h.Flags&FlagCompressed != 0 {
		decompressed, err := zstd.Decompress(nil, body)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDecompression, "decompress page at offset %d", offset)
		}
		body = decompressed
	}

	rawRows, err := splitRows(body)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(rawRows))
	for i, raw := range rawRows {
		row, err := DecodeRow(raw)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}
