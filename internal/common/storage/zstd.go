package storage

import (
	"bufio"
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// MaybeCompress zstd-encodes data when it is at least threshold bytes.
// A threshold <= 0 disables compression.
func MaybeCompress(data []byte, threshold int) ([]byte, bool, error) {
	if threshold <= 0 || len(data) < threshold {
		return data, false, nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, false, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), true, nil
}

// DecodingReader returns a reader yielding the plain content of r, decoding
// zstd frames when the stream starts with the zstd magic number.
func DecodingReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	if !bytes.Equal(head, zstdMagic) {
		return io.NopCloser(br), nil
	}
	dec, err := zstd.NewReader(br)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
