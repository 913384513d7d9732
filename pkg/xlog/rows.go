package xlog

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/vinylcore/vinyl/pkg/errors"
)

// splitRows splits a decompressed transaction body into its
// length-prefixed rows (see Writer.WriteTx).
func splitRows(body []byte) ([][]byte, error) {
	var rows [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.New(errors.CodeXlogGap, "truncated row length prefix")
		}
		n := binary.LittleEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < n {
			return nil, errors.New(errors.CodeXlogGap, "truncated row body")
		}
		rows = append(rows, body[:n])
		body = body[n:]
	}
	return rows, nil
}

func newBytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
