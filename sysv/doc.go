// Package sysv implements the SVR4 (Solaris) package formats: the pkginfo parameter
// file, the pkgmap contents file, the filesystem ("spool directory") layout and the
// single-file datastream, plus pkgtrans-style translation between the two layouts.
//
// A package in filesystem format is a directory named after the package abbreviation:
//
//	SUNWfoo/pkginfo
//	SUNWfoo/pkgmap
//	SUNWfoo/install/{copyright,depend,preinstall,postinstall,preremove,postremove}
//	SUNWfoo/reloc/...   files relative to BASEDIR
//	SUNWfoo/root/...    files with absolute paths
//
// A datastream concatenates any number of such packages behind a short text header. One
// cpio archive carries pkginfo and pkgmap of all of them, followed by the part archives
// of each package in turn, every archive aligned to 512 byte blocks.
package sysv

import "github.com/pkg/errors"

var (
	ErrInvalidPkgInfo = errors.New("sysv: invalid pkginfo")
	ErrInvalidPkgmap  = errors.New("sysv: invalid pkgmap")
	ErrInvalidPkgName = errors.New("sysv: invalid package abbreviation")
	ErrNotDatastream  = errors.New("sysv: not a package datastream")
	ErrNoPackage      = errors.New("sysv: no such package")
	ErrExists         = errors.New("sysv: package already exists at destination")
	ErrUnsafePath     = errors.New("sysv: refusing to extract outside the package")
)
