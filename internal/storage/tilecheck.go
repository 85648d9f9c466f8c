package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const maxTileDimension = 16384

// ErrInvalidTile marks a tile file that exists but must not be served.
var ErrInvalidTile = errors.New("invalid tile file")

// CheckTile validates a tile file on disk: it must exist, be non-empty,
// meet the optional minimum size, and carry a structurally sound PNG header
// (signature, IHDR chunk, sane dimensions). A nil return means the file is
// servable.
func CheckTile(path string, minBytes int64) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidTile, path)
	}
	if st.Size() == 0 {
		return fmt.Errorf("%w: zero length", ErrInvalidTile)
	}
	if minBytes > 0 && st.Size() < minBytes {
		return fmt.Errorf("%w: %d bytes below minimum %d", ErrInvalidTile, st.Size(), minBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// Signature (8) + IHDR length (4) + "IHDR" (4) + width/height (8).
	header := make([]byte, 24+9)
	n, err := f.Read(header)
	if err != nil || n < 24 {
		return fmt.Errorf("%w: truncated header", ErrInvalidTile)
	}
	for i, b := range pngSignature {
		if header[i] != b {
			return fmt.Errorf("%w: bad PNG signature", ErrInvalidTile)
		}
	}
	if string(header[12:16]) != "IHDR" {
		return fmt.Errorf("%w: missing IHDR chunk", ErrInvalidTile)
	}
	width := binary.BigEndian.Uint32(header[16:20])
	height := binary.BigEndian.Uint32(header[20:24])
	if width == 0 || height == 0 || width > maxTileDimension || height > maxTileDimension {
		return fmt.Errorf("%w: implausible dimensions %dx%d", ErrInvalidTile, width, height)
	}
	return nil
}

// EnsureValidTile checks a tile and deletes it when invalid, so the next
// request regenerates instead of serving a corrupt file. Returns true when
// the tile exists and is servable.
func EnsureValidTile(path string, minBytes int64) (bool, error) {
	err := CheckTile(path, minBytes)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if errors.Is(err, ErrInvalidTile) {
		_ = os.Remove(path)
		return false, nil
	}
	return false, err
}
