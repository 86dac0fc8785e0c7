package reader

import (
	"bufio"
	"io"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rotisserie/eris"
)

// gzipMagic is the two-byte gzip stream header.
var gzipMagic = []byte{0x1f, 0x8b}

type sourceFile struct {
	f  *os.File
	r  io.Reader
	gz *gzip.Reader
}

func (s *sourceFile) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *sourceFile) Close() error {
	if s.gz != nil {
		_ = s.gz.Close()
	}
	return s.f.Close()
}

// Open opens an export file for sequential reading, transparently
// decompressing gzip input.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "reader: open %s", path)
	}

	br := bufio.NewReaderSize(f, 64*1024)
	src := &sourceFile{f: f, r: br}

	magic, err := br.Peek(2)
	if err == nil && magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1] {
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			f.Close()
			return nil, eris.Wrapf(gzErr, "reader: gzip %s", path)
		}
		src.gz = gz
		src.r = gz
	}
	return src, nil
}

// SourceHash fingerprints a source file by size and modification time, so
// an edited or re-exported file reads as a different source for resume
// purposes.
func SourceHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", eris.Wrapf(err, "reader: stat %s", path)
	}
	key := strconv.FormatInt(info.Size(), 10) + "_" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	return strconv.FormatUint(xxhash.Sum64String(key), 16), nil
}
