// Package zipcrc computes the structural checksum of a zip archive: the
// CRC-32 of its central directory bytes. The checksum changes whenever an
// entry is added, removed, renamed or rewritten, without hashing any entry
// content, which keeps it cheap on large archives.
package zipcrc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	endSignature  = 0x06054b50
	endHeaderLen  = 22
	maxCommentLen = 0xFFFF
)

// ErrNotZip is returned for files without an end-of-central-directory
// record.
var ErrNotZip = errors.New("zipcrc: end of central directory signature not found")

// Sum computes the checksum of the archive at path. The result is always
// in [0, 0xFFFFFFFF] and therefore never collides with negative no-value
// markers.
func Sum(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	offset, size, err := centralDirectory(f, fi.Size())
	if err != nil {
		return 0, fmt.Errorf("zipcrc: %s: %w", path, err)
	}

	h := crc32.NewIEEE()
	n, err := io.Copy(h, io.NewSectionReader(f, offset, size))
	if err != nil {
		return 0, fmt.Errorf("zipcrc: %s: %w", path, err)
	}
	if n != size {
		return 0, fmt.Errorf("zipcrc: %s: truncated central directory (%d of %d bytes)", path, n, size)
	}
	return int64(h.Sum32()), nil
}

// centralDirectory locates the central directory by scanning backwards for
// the end-of-central-directory record, which may be preceded by an archive
// comment of up to 64 KiB.
func centralDirectory(r io.ReaderAt, fileSize int64) (offset, size int64, err error) {
	if fileSize < endHeaderLen {
		return 0, 0, fmt.Errorf("file too short to be a zip archive (%d bytes)", fileSize)
	}

	tailLen := min(fileSize, int64(endHeaderLen+maxCommentLen))
	tail := make([]byte, tailLen)
	if _, err := r.ReadAt(tail, fileSize-tailLen); err != nil {
		return 0, 0, err
	}

	for i := len(tail) - endHeaderLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) != endSignature {
			continue
		}
		size = int64(binary.LittleEndian.Uint32(tail[i+12:]))
		offset = int64(binary.LittleEndian.Uint32(tail[i+16:]))
		return offset, size, nil
	}
	return 0, 0, ErrNotZip
}
