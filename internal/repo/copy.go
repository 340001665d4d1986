package repo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"

	"github.com/mirrorctl/repotool/internal/pacman"
)

// progressThreshold is the file size from which copies show a progress bar.
const progressThreshold = 8 << 20

func checksum(fs afero.Fs, p string) (*pacman.FileInfo, error) {
	f, err := fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pacman.CopyWithFileInfo(io.Discard, f, p)
}

// sameContent returns true if dst exists and has the content of src.
func sameContent(fs afero.Fs, src, dst string) (bool, error) {
	srcStat, err := fs.Stat(src)
	if err != nil {
		return false, err
	}
	dstStat, err := fs.Stat(dst)
	switch {
	case os.IsNotExist(err):
		return false, nil
	case err != nil:
		return false, err
	}
	if os.SameFile(srcStat, dstStat) {
		return true, nil
	}
	if srcStat.Size() != dstStat.Size() {
		return false, nil
	}

	srcInfo, err := checksum(fs, src)
	if err != nil {
		return false, err
	}
	dstInfo, err := checksum(fs, dst)
	if err != nil {
		return false, err
	}
	return srcInfo.Same(dstInfo), nil
}

// copyFile copies src to dst through a temporary file in the destination
// directory, keeping the mode and modification time of src like cp -p.
func copyFile(fs afero.Fs, src, dst string, progress bool) (err error) {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(fs, filepath.Dir(dst), ".repotool-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			if rmErr := fs.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("failed to remove temporary file", "path", tmpName, "error", rmErr)
			}
		}
	}()

	var r io.Reader = in
	if progress && st.Size() >= progressThreshold {
		bar := pb.New64(st.Size())
		bar.Set(pb.Bytes, true)
		bar.SetTemplate(pb.Full)
		bar.SetWriter(os.Stderr)
		bar.Start()
		defer bar.Finish()
		r = bar.NewProxyReader(in)
	}

	if _, err = io.Copy(tmp, r); err != nil {
		return errors.Wrapf(err, "copy %s", src)
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = fs.Chmod(tmpName, st.Mode().Perm()); err != nil {
		return err
	}
	if err = fs.Chtimes(tmpName, st.ModTime(), st.ModTime()); err != nil {
		return err
	}
	return fs.Rename(tmpName, dst)
}
