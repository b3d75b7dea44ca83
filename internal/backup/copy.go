package backup

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	logx "autobackup/pkg/logx"
)

// copySource copies a file to dst, or a directory tree into dst.
// Existing directories under dst are merged into; existing files are overwritten.
func (e *Executor) copySource(src string, info fs.FileInfo, dst string, m *Matcher, log logx.Logger) (stats, error) {
	var st stats
	if !info.IsDir() {
		n, err := copyFile(src, dst, info)
		if err != nil {
			return st, err
		}
		st.files, st.bytes = 1, n
		return st, nil
	}
	err := copyDir(src, dst, "", info, m, &st, log)
	return st, err
}

func copyDir(srcDir, dstDir, rel string, info fs.FileInfo, m *Matcher, st *stats, log logx.Logger) error {
	if err := os.MkdirAll(dstDir, info.Mode().Perm()|0o700); err != nil {
		return &Error{Op: "mkdir", Path: dstDir, Err: err}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return &Error{Op: "read_dir", Path: srcDir, Err: err}
	}
	for _, ent := range entries {
		name := ent.Name()
		childRel := path.Join(rel, name)
		srcPath := filepath.Join(srcDir, name)
		dstPath := filepath.Join(dstDir, name)

		if m.Matches(name) {
			log.Debug("excluded", logx.String("path", childRel))
			continue
		}
		if ent.IsDir() && m.DirExcluded(childRel) {
			log.Debug("excluded directory", logx.String("path", childRel))
			continue
		}

		switch t := ent.Type(); {
		case t&fs.ModeSymlink != 0:
			if err := copySymlink(srcPath, dstPath); err != nil {
				return err
			}
			st.files++
		case t.IsDir():
			childInfo, err := ent.Info()
			if err != nil {
				return &Error{Op: "stat", Path: srcPath, Err: err}
			}
			if err := copyDir(srcPath, dstPath, childRel, childInfo, m, st, log); err != nil {
				return err
			}
		case t.IsRegular():
			childInfo, err := ent.Info()
			if err != nil {
				return &Error{Op: "stat", Path: srcPath, Err: err}
			}
			n, err := copyFile(srcPath, dstPath, childInfo)
			if err != nil {
				return err
			}
			st.files++
			st.bytes += n
		default:
			log.Debug("skipping special file", logx.String("path", childRel), logx.String("mode", t.String()))
		}
	}

	mt := info.ModTime()
	_ = os.Chtimes(dstDir, mt, mt)
	return nil
}

// copyFile copies content, permissions and modification time.
func copyFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, &Error{Op: "open_source", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm()|0o200)
	if err != nil {
		return 0, &Error{Op: "create_destination", Path: dst, Err: err}
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, &Error{Op: "write", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return n, &Error{Op: "write", Path: dst, Err: err}
	}

	_ = os.Chmod(dst, info.Mode().Perm())
	mt := info.ModTime()
	if err := os.Chtimes(dst, mt, mt); err != nil {
		return n, &Error{Op: "chtimes", Path: dst, Err: err}
	}
	return n, nil
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return &Error{Op: "readlink", Path: src, Err: err}
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &Error{Op: "replace", Path: dst, Err: err}
	}
	if err := os.Symlink(target, dst); err != nil {
		return &Error{Op: "symlink", Path: dst, Err: err}
	}
	return nil
}
