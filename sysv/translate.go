package sysv

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// maxInstances bounds the pkg.2, pkg.3, ... instance names tried with NewInstance.
const maxInstances = 999

// TranslateOptions are the pkgtrans switches.
type TranslateOptions struct {
	// Datastream writes the destination as a datastream file (-s).
	Datastream bool
	// Overwrite replaces existing packages at the destination (-o).
	Overwrite bool
	// InfoOnly copies only pkginfo and pkgmap (-i).
	InfoOnly bool
	// NewInstance picks a fresh instance name when the package already exists (-n).
	NewInstance bool
}

// Translate copies packages from src to dst, converting between the filesystem and
// datastream formats. src is a spool directory or a datastream file; dst is a spool
// directory, or a datastream file when opts.Datastream is set. An empty pkgs selects
// every package of src. The names of the written package instances are returned.
func Translate(src, dst string, pkgs []string, opts TranslateOptions) ([]string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, errors.Wrap(err, "source")
	}
	if info.IsDir() {
		available, err := ListPackages(src)
		if err != nil {
			return nil, err
		}
		selected, err := selectPackages(available, pkgs)
		if err != nil {
			return nil, err
		}
		if opts.Datastream {
			return selected, writeDatastreamFile(dst, src, selected, opts)
		}
		return copyPackages(src, dst, selected, opts)
	}
	if !IsDatastream(src) {
		return nil, errors.Wrap(ErrNotDatastream, src)
	}
	if !opts.Datastream {
		return extractDatastream(src, dst, pkgs, opts)
	}
	// Datastream to datastream goes through a scratch spool directory.
	scratch, err := os.MkdirTemp("", "pkgtrans-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)
	selected, err := extractDatastream(src, scratch, pkgs, TranslateOptions{InfoOnly: opts.InfoOnly})
	if err != nil {
		return nil, err
	}
	return selected, writeDatastreamFile(dst, scratch, selected, opts)
}

func selectPackages(available, wanted []string) ([]string, error) {
	if len(wanted) == 0 {
		if len(available) == 0 {
			return nil, errors.Wrap(ErrNoPackage, "source holds no packages")
		}
		return available, nil
	}
	have := make(map[string]bool, len(available))
	for _, p := range available {
		have[p] = true
	}
	for _, p := range wanted {
		if !have[p] {
			return nil, errors.Wrap(ErrNoPackage, p)
		}
	}
	return wanted, nil
}

func writeDatastreamFile(dst, spool string, pkgs []string, opts TranslateOptions) error {
	if _, err := os.Lstat(dst); err == nil && !opts.Overwrite {
		return errors.Wrap(ErrExists, dst)
	}
	return writeFileAtomic(dst, func(f *os.File) error {
		return WriteDatastream(f, spool, pkgs, opts.InfoOnly)
	}, 0644)
}

// instanceDir returns the directory a package is to be written to in spool, following
// the overwrite and new-instance rules.
func instanceDir(spool, pkg string, opts TranslateOptions) (string, error) {
	target := filepath.Join(spool, pkg)
	if _, err := os.Lstat(target); os.IsNotExist(err) {
		return pkg, nil
	}
	switch {
	case opts.Overwrite:
		return pkg, nil
	case opts.NewInstance:
		for i := 2; i <= maxInstances; i++ {
			inst := fmt.Sprintf("%s.%d", pkg, i)
			if _, err := os.Lstat(filepath.Join(spool, inst)); os.IsNotExist(err) {
				return inst, nil
			}
		}
	}
	return "", errors.Wrap(ErrExists, target)
}

// commitDir moves a fully written scratch directory to its final place, replacing what
// is there.
func commitDir(scratch, target string) error {
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	return os.Rename(scratch, target)
}

func extractDatastream(src, spool string, pkgs []string, opts TranslateOptions) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ds, err := NewDatastreamReader(f)
	if err != nil {
		return nil, err
	}
	var available []string
	for _, p := range ds.Packages() {
		available = append(available, p.Name)
	}
	selected, err := selectPackages(available, pkgs)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(selected))
	for _, p := range selected {
		want[p] = true
	}
	if err := os.MkdirAll(spool, datastreamDirMode); err != nil {
		return nil, err
	}

	var written []string
	for _, name := range available {
		if !want[name] {
			if _, err := ds.Next("", false); err != nil {
				return written, err
			}
			continue
		}
		inst, err := instanceDir(spool, name, opts)
		if err != nil {
			return written, err
		}
		scratch, err := os.MkdirTemp(spool, "."+name+"-")
		if err != nil {
			return written, err
		}
		if _, err := ds.Next(scratch, opts.InfoOnly); err != nil {
			os.RemoveAll(scratch)
			return written, err
		}
		if err := os.Chmod(scratch, datastreamDirMode); err != nil {
			os.RemoveAll(scratch)
			return written, err
		}
		if err := commitDir(scratch, filepath.Join(spool, inst)); err != nil {
			os.RemoveAll(scratch)
			return written, err
		}
		written = append(written, inst)
	}
	return written, nil
}

func copyPackages(src, spool string, pkgs []string, opts TranslateOptions) ([]string, error) {
	if err := os.MkdirAll(spool, datastreamDirMode); err != nil {
		return nil, err
	}
	var written []string
	for _, pkg := range pkgs {
		inst, err := instanceDir(spool, pkg, opts)
		if err != nil {
			return written, err
		}
		scratch, err := os.MkdirTemp(spool, "."+pkg+"-")
		if err != nil {
			return written, err
		}
		if err := copyTree(filepath.Join(src, pkg), scratch, opts.InfoOnly); err != nil {
			os.RemoveAll(scratch)
			return written, errors.Wrapf(err, "package %s", pkg)
		}
		if err := commitDir(scratch, filepath.Join(spool, inst)); err != nil {
			os.RemoveAll(scratch)
			return written, err
		}
		written = append(written, inst)
	}
	return written, nil
}

func copyTree(from, to string, infoOnly bool) error {
	return filepath.WalkDir(from, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, name)
		if err != nil {
			return err
		}
		if infoOnly && rel != "." && rel != PkginfoFile && rel != PkgmapFile {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(to, rel)
		info, err := os.Lstat(name)
		if err != nil {
			return err
		}
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(name)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(name, target, info)
		}
		return errors.Errorf("%s: unsupported file type", name)
	})
}

func copyFile(from, to string, info os.FileInfo) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(to, info.Mode()); err != nil {
		return err
	}
	return os.Chtimes(to, time.Now(), info.ModTime())
}
