// Converts RPM packages into SystemV packages, as installed by pkgadd on Solaris.
//
// The rpm2sysvpkg tool reads an RPM and writes the package in filesystem format (a
// directory holding pkginfo, pkgmap and the reloc, root and install trees) or as a
// datastream file. The pkgtrans tool translates packages between the two formats.
//
// Defaults for the generated pkginfo are read from the built-in resources/config.yml and
// can be changed through a user configuration file or RPM2SYSVPKG_* environment
// variables. The sysv, rpm and cpio subpackages hold the package formats themselves.
package rpm2sysvpkg
