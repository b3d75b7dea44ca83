package backup

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	logx "autobackup/pkg/logx"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// zipFile is one included file found while walking the source.
type zipFile struct {
	name string // slash separated, relative to the source
	path string
	info fs.FileInfo
}

// zipEntry is one archive member. A member normally has a single source file;
// duplicate names collected during the walk are appended into one member.
type zipEntry struct {
	name    string
	sources []zipFile
}

// groupEntries merges files sharing a name into one entry, keeping first-seen order.
func groupEntries(files []zipFile) []zipEntry {
	idx := make(map[string]int, len(files))
	out := make([]zipEntry, 0, len(files))
	for _, f := range files {
		if i, ok := idx[f.name]; ok {
			out[i].sources = append(out[i].sources, f)
			continue
		}
		idx[f.name] = len(out)
		out = append(out, zipEntry{name: f.name, sources: []zipFile{f}})
	}
	return out
}

// collectZipFiles walks src and returns the files that survive exclusion.
func collectZipFiles(src string, info fs.FileInfo, m *Matcher, log logx.Logger) ([]zipFile, error) {
	if !info.IsDir() {
		return []zipFile{{name: filepath.Base(src), path: src, info: info}}, nil
	}

	var files []zipFile
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &Error{Op: "walk", Path: p, Err: err}
		}
		if p == src {
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return &Error{Op: "walk", Path: p, Err: err}
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if m.DirExcluded(rel) {
				log.Debug("excluded directory", logx.String("path", rel))
				return filepath.SkipDir
			}
			return nil
		}
		if m.FileExcluded(rel) {
			log.Debug("excluded", logx.String("path", rel))
			return nil
		}

		fi, err := os.Stat(p) // follows symlinks
		if err != nil {
			if d.Type()&fs.ModeSymlink != 0 {
				log.Warn("skipping dangling symlink", logx.String("path", rel))
				return nil
			}
			return &Error{Op: "stat", Path: p, Err: err}
		}
		if !fi.Mode().IsRegular() {
			log.Debug("skipping non-regular file", logx.String("path", rel))
			return nil
		}
		files = append(files, zipFile{name: rel, path: p, info: fi})
		return nil
	})
	return files, err
}

func (e *Executor) zipSource(src string, info fs.FileInfo, dst string, m *Matcher, log logx.Logger) (stats, error) {
	var st stats
	files, err := collectZipFiles(src, info, m, log)
	if err != nil {
		return st, err
	}
	entries := groupEntries(files)

	f, err := os.Create(dst)
	if err != nil {
		return st, &Error{Op: "create_archive", Path: dst, Err: err}
	}
	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	w := &chunkWriter{chunkSize: e.chunkSize}
	for _, ent := range entries {
		n, err := w.writeEntry(zw, ent)
		st.bytes += n
		if err != nil {
			_ = zw.Close()
			_ = f.Close()
			return st, err
		}
		st.files += len(ent.sources)
	}

	if err := zw.Close(); err != nil {
		_ = f.Close()
		return st, &Error{Op: "finalize_archive", Path: dst, Err: err}
	}
	if err := f.Close(); err != nil {
		return st, &Error{Op: "finalize_archive", Path: dst, Err: err}
	}
	return st, nil
}

// chunkWriter copies file content into archive members. Files at or above
// chunkSize go through one reused chunkSize buffer.
type chunkWriter struct {
	chunkSize int64
	buf       []byte
}

func (c *chunkWriter) writeEntry(zw *zip.Writer, ent zipEntry) (int64, error) {
	first := ent.sources[0].info
	hdr := &zip.FileHeader{
		Name:     ent.name,
		Method:   zip.Deflate,
		Modified: first.ModTime().Truncate(time.Second),
	}
	hdr.SetMode(first.Mode())
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return 0, &Error{Op: "create_entry", Path: ent.name, Err: err}
	}

	var total int64
	for _, zf := range ent.sources {
		n, err := c.copyFile(w, zf)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *chunkWriter) copyFile(w io.Writer, zf zipFile) (int64, error) {
	in, err := os.Open(zf.path)
	if err != nil {
		return 0, &Error{Op: "open_source", Path: zf.path, Err: err}
	}
	defer in.Close()

	if zf.info.Size() < c.chunkSize {
		n, err := io.Copy(w, in)
		if err != nil {
			return n, &Error{Op: "compress", Path: zf.path, Err: err}
		}
		return n, nil
	}

	if c.buf == nil {
		c.buf = make([]byte, c.chunkSize)
	}
	var total int64
	for {
		n, rerr := io.ReadFull(in, c.buf)
		if n > 0 {
			if _, err := w.Write(c.buf[:n]); err != nil {
				return total, &Error{Op: "compress", Path: zf.path, Err: err}
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				return total, nil
			}
			return total, &Error{Op: "read", Path: zf.path, Err: rerr}
		}
	}
}
