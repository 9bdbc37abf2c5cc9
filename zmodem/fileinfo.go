package zmodem

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileHeader is the file information carried by the ZFILE subpacket.
//
// Wire format: name NUL "size mtime mode serial filesleft bytesleft". Mode
// and mtime are octal, as lrzsz sends them; the rest is decimal. Trailing
// fields may be missing.
type FileHeader struct {
	// Name is the device-relative path, '/' separated
	Name string

	// Size is the announced length in bytes, -1 when the sender did not say
	Size int64

	// ModTime is the modification time, zero when absent
	ModTime time.Time

	// Mode holds the permission bits, 0 when absent
	Mode os.FileMode

	// FilesLeft counts the files still to come, including this one
	FilesLeft int

	// BytesLeft counts the bytes still to come, including this file
	BytesLeft int64
}

// ParseFileHeader parses the ZFILE subpacket data.
func ParseFileHeader(data []byte) (FileHeader, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return FileHeader{}, NewFrameError(ErrInvalidFrame, "no NUL after file name", ZFILE)
	}
	h := FileHeader{
		Name: string(data[:nul]),
		Size: -1,
	}
	if h.Name == "" {
		return FileHeader{}, NewFrameError(ErrInvalidFrame, "empty file name", ZFILE)
	}

	info := data[nul+1:]
	if end := bytes.IndexByte(info, 0); end >= 0 {
		info = info[:end]
	}
	fields := strings.Fields(string(info))

	parse := func(i int, base int) (int64, bool, error) {
		if i >= len(fields) {
			return 0, false, nil
		}
		v, err := strconv.ParseInt(fields[i], base, 64)
		if err != nil {
			return 0, false, NewFrameError(ErrInvalidFrame, fmt.Sprintf("bad file header field %q", fields[i]), ZFILE)
		}
		return v, true, nil
	}

	if v, ok, err := parse(0, 10); err != nil {
		return FileHeader{}, err
	} else if ok {
		h.Size = v
	}
	if v, ok, err := parse(1, 8); err != nil {
		return FileHeader{}, err
	} else if ok && v > 0 {
		h.ModTime = time.Unix(v, 0)
	}
	if v, ok, err := parse(2, 8); err != nil {
		return FileHeader{}, err
	} else if ok {
		h.Mode = os.FileMode(v) & os.ModePerm
	}
	// field 3 is the serial number, unused
	if v, ok, err := parse(4, 10); err != nil {
		return FileHeader{}, err
	} else if ok {
		h.FilesLeft = int(v)
	}
	if v, ok, err := parse(5, 10); err != nil {
		return FileHeader{}, err
	} else if ok {
		h.BytesLeft = v
	}
	return h, nil
}

// BuildFileHeader builds the ZFILE subpacket data for h.
func BuildFileHeader(h FileHeader) []byte {
	var mtime int64
	if !h.ModTime.IsZero() {
		mtime = h.ModTime.Unix()
	}
	size := h.Size
	if size < 0 {
		size = 0
	}
	var b bytes.Buffer
	b.WriteString(path.Clean(h.Name))
	b.WriteByte(0)
	fmt.Fprintf(&b, "%d %o %o 0 %d %d", size, mtime, uint32(h.Mode.Perm()), h.FilesLeft, h.BytesLeft)
	b.WriteByte(0)
	return b.Bytes()
}

// localPath maps a device-relative name into dir. The name is cleaned
// against a virtual root so it can never climb out of dir.
func localPath(dir, name string) string {
	clean := path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
}
