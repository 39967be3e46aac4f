package sysv

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

const (
	PkginfoFile = "pkginfo"
	PkgmapFile  = "pkgmap"
	InstallDir  = "install"
	RelocDir    = "reloc"
	RootDir     = "root"
)

// IsPackageDir reports whether dir holds a package in filesystem format.
func IsPackageDir(dir string) bool {
	for _, name := range []string{PkginfoFile, PkgmapFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			return false
		}
	}
	return true
}

// ListPackages returns the package instances in a spool directory, sorted by name.
func ListPackages(spool string) ([]string, error) {
	entries, err := os.ReadDir(spool)
	if err != nil {
		return nil, errors.Wrap(err, "list packages")
	}
	var pkgs []string
	for _, e := range entries {
		if e.IsDir() && IsPackageDir(filepath.Join(spool, e.Name())) {
			pkgs = append(pkgs, e.Name())
		}
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// ReadPackageInfo reads pkginfo and pkgmap of a package directory.
func ReadPackageInfo(dir string) (*PkgInfo, *Pkgmap, error) {
	f, err := os.Open(filepath.Join(dir, PkginfoFile))
	if err != nil {
		return nil, nil, errors.Wrap(err, "open pkginfo")
	}
	info, err := ParsePkgInfo(f)
	f.Close()
	if err != nil {
		return nil, nil, err
	}
	f, err = os.Open(filepath.Join(dir, PkgmapFile))
	if err != nil {
		return nil, nil, errors.Wrap(err, "open pkgmap")
	}
	defer f.Close()
	m, err := ParsePkgmap(f)
	if err != nil {
		return nil, nil, err
	}
	return info, m, nil
}

// writeFileAtomic writes a file through a temporary sibling and renames it into place.
func writeFileAtomic(name string, write func(f *os.File) error, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), "."+filepath.Base(name)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), name)
}
