package pacman

import (
	"archive/tar"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

const pkgInfoMember = ".PKGINFO"

// ErrNoPkgInfo is returned when an archive has no .PKGINFO member.
var ErrNoPkgInfo = errors.New("no .PKGINFO in package")

// PkgInfo holds the metadata makepkg stores in .PKGINFO.
type PkgInfo struct {
	PkgName   string
	PkgBase   string
	PkgVer    string
	PkgDesc   string
	Arch      string
	Packager  string
	Size      int64
	BuildDate int64

	// Fields has every key of .PKGINFO, repeated keys such as
	// depend or provides in file order.
	Fields map[string][]string
}

// Get returns the first value of key, or "".
func (pi *PkgInfo) Get(key string) string {
	if v := pi.Fields[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ParsePkgInfo parses the "key = value" lines of a .PKGINFO file.
func ParsePkgInfo(r io.Reader) (*PkgInfo, error) {
	pi := &PkgInfo{Fields: make(map[string][]string)}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		pi.Fields[key] = append(pi.Fields[key], strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "ParsePkgInfo")
	}

	pi.PkgName = pi.Get("pkgname")
	pi.PkgBase = pi.Get("pkgbase")
	if pi.PkgBase == "" {
		pi.PkgBase = pi.PkgName
	}
	pi.PkgVer = pi.Get("pkgver")
	pi.PkgDesc = pi.Get("pkgdesc")
	pi.Arch = pi.Get("arch")
	pi.Packager = pi.Get("packager")
	if s := pi.Get("size"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "ParsePkgInfo: size %q", s)
		}
		pi.Size = n
	}
	if s := pi.Get("builddate"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "ParsePkgInfo: builddate %q", s)
		}
		pi.BuildDate = n
	}

	if pi.PkgName == "" {
		return nil, errors.New("ParsePkgInfo: pkgname is not set")
	}
	return pi, nil
}

// decompress wraps r according to the compression suffix of a package.
// The returned close function must be called when done.
func decompress(r io.Reader, compression string) (io.Reader, func(), error) {
	nop := func() {}

	switch compression {
	case "":
		return r, nop, nil
	case "gz":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nop, err
		}
		return gz, func() { _ = gz.Close() }, nil
	case "bz2":
		return bzip2.NewReader(r), nop, nil
	case "xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nop, err
		}
		return xr, nop, nil
	case "zst":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nop, err
		}
		return dec, dec.Close, nil
	}
	return nil, nop, errors.Newf("unsupported compression: %s", compression)
}

// ReadPkgInfo reads the .PKGINFO member of a package archive.
func ReadPkgInfo(r io.Reader, compression string) (*PkgInfo, error) {
	dr, closeFn, err := decompress(r, compression)
	if err != nil {
		return nil, errors.Wrap(err, "ReadPkgInfo")
	}
	defer closeFn()

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrNoPkgInfo
		}
		if err != nil {
			return nil, errors.Wrap(err, "ReadPkgInfo")
		}
		if strings.TrimPrefix(hdr.Name, "./") == pkgInfoMember {
			return ParsePkgInfo(tr)
		}
	}
}

// OpenPkgInfo opens the package file at p and reads its .PKGINFO.
func OpenPkgInfo(fs afero.Fs, p string) (*PkgInfo, error) {
	info, err := ParseFilename(p)
	if err != nil {
		return nil, err
	}

	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close package file", "path", p, "error", err)
		}
	}()

	pi, err := ReadPkgInfo(f, info.Compression)
	if err != nil {
		return nil, errors.Wrap(err, p)
	}
	return pi, nil
}
