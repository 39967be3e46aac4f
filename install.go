package rpm2sysvpkg

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

const backupSuffix = ".rpm2sysvpkg-old"

var (
	ErrMissingSource = errors.New("source file missing")
	ErrNotWritable   = errors.New("install location is not writable")
	ErrNoSpace       = errors.New("not enough free disk space")
	ErrAborted       = errors.New("installation aborted")
	ErrAlreadyRun    = errors.New("installer already started")
)

type (
	// InstallFile is an augmented os.FileInfo struct with both source and target path
	// as well as flags telling whether the file has been copied to the target and
	// whether an existing file there was moved aside.
	InstallFile struct {
		os.FileInfo
		Path      string
		Target    string
		installed bool
		backup    string
	}
	// InstallStatus is a message struct that gets passed around at various times in the
	// installation process. All fields are optional and contain the current file,
	// whether the installer as a whole is finished or not, whether it's been aborted and
	// rolled back, or the error that stopped it.
	InstallStatus struct {
		File    *InstallFile
		Done    bool
		Aborted bool
		Err     error
	}
	// Installer copies the data files of a Manifest from a source directory into a root
	// directory. It reports progress through a status channel and a progress function,
	// and can be aborted and rolled back.
	Installer struct {
		Root             string
		Source           string
		Done             bool
		manifest         *Manifest
		totalSize        int64
		installedSize    int64
		files            []*InstallFile
		err              error
		statusChannel    chan InstallStatus
		abortChannel     chan bool
		finished         chan struct{}
		started          bool
		startLock        sync.Mutex
		actionLock       sync.Mutex
		progressFunction func(InstallStatus)
	}
)

// NewInstaller creates an installer for the data files of manifest, read from source
// and installed below root:
//
//	installer := NewInstaller(manifest, "/opt/dist", "/")
//	installer.StartInstall()
//	/* some watch loop with 'installer.Status()' */
//	err := installer.WaitForDone()
//
// An Installer runs once. Starting it again fails with ErrAlreadyRun.
func NewInstaller(manifest *Manifest, source, root string) *Installer {
	return &Installer{
		Root:             root,
		Source:           source,
		manifest:         manifest,
		statusChannel:    make(chan InstallStatus, 1),
		abortChannel:     make(chan bool, 1),
		finished:         make(chan struct{}),
		progressFunction: func(status InstallStatus) {},
	}
}

// StartInstall runs the installer in a separate goroutine and returns immediately. Use
// Status() to get updates about the progress and WaitForDone() for the result.
func (i *Installer) StartInstall() {
	if err := i.begin(); err != nil {
		Logger.WithError(err).Warn("Installer not started")
		return
	}
	go i.run()
}

// Install runs the installation and returns when it is finished. An install that fails
// part way is rolled back.
func (i *Installer) Install() error {
	if err := i.begin(); err != nil {
		return err
	}
	return i.run()
}

// begin marks the installer started, once.
func (i *Installer) begin() error {
	i.startLock.Lock()
	defer i.startLock.Unlock()
	if i.started {
		return ErrAlreadyRun
	}
	i.started = true
	return nil
}

func (i *Installer) isStarted() bool {
	i.startLock.Lock()
	defer i.startLock.Unlock()
	return i.started
}

func (i *Installer) run() (err error) {
	defer close(i.finished)
	defer func() {
		i.err = err
		i.setStatus(InstallStatus{Done: true, Aborted: errors.Cause(err) == ErrAborted, Err: err})
	}()
	i.Done = false
	if err := i.prepare(); err != nil {
		return err
	}
	i.actionLock.Lock()
	defer i.actionLock.Unlock()
	for _, file := range i.files {
		select {
		case <-i.abortChannel:
			i.rollback()
			return ErrAborted
		default:
		}
		status := InstallStatus{File: file}
		i.setStatus(status)
		i.progressFunction(status)
		if err := i.installFile(file); err != nil {
			Logger.WithError(err).Errorf("Installing %s failed", file.Target)
			i.rollback()
			return err
		}
		i.installedSize += file.Size()
		Logger.Infof("Installed %s", file.Target)
	}
	for _, file := range i.files {
		if file.backup != "" {
			if err := os.Remove(file.backup); err != nil {
				Logger.WithError(err).Warnf("Unable to remove %s", file.backup)
			}
			file.backup = ""
		}
	}
	i.Done = true
	return nil
}

// prepare lists the files to install and checks the sources exist and the targets can
// be written.
func (i *Installer) prepare() error {
	i.actionLock.Lock()
	defer i.actionLock.Unlock()
	i.files = nil
	i.totalSize, i.installedSize = 0, 0
	for _, set := range i.manifest.DataFiles {
		targetDir := filepath.Join(i.Root, filepath.FromSlash(set.Dir))
		for _, name := range set.Files {
			source := filepath.Join(i.Source, name)
			info, err := os.Stat(source)
			if err != nil || !info.Mode().IsRegular() {
				return errors.Wrap(ErrMissingSource, source)
			}
			i.files = append(i.files, &InstallFile{
				FileInfo: info,
				Path:     source,
				Target:   filepath.Join(targetDir, filepath.Base(name)),
			})
			i.totalSize += info.Size()
		}
	}
	checked := make(map[string]bool)
	for _, file := range i.files {
		dir := filepath.Dir(file.Target)
		if checked[dir] {
			continue
		}
		if err := i.CheckInstallDir(dir); err != nil {
			return err
		}
		checked[dir] = true
	}
	if free := osDiskSpace(i.Root); free >= 0 && free < i.totalSize {
		return errors.Wrapf(ErrNoSpace, "%s needed, %s available",
			humanize.Bytes(uint64(i.totalSize)), humanize.Bytes(uint64(free)))
	}
	return nil
}

// installFile copies one file through a temporary sibling of its target, so the target
// only ever holds complete content. An existing target is kept as a backup until the
// whole installation succeeded.
func (i *Installer) installFile(file *InstallFile) error {
	dir := filepath.Dir(file.Target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	in, err := os.Open(file.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(file.Target)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return errors.Wrap(err, file.Path)
	}
	if err := tmp.Chmod(file.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if _, err := os.Lstat(file.Target); err == nil {
		backup := file.Target + backupSuffix
		if err := os.Rename(file.Target, backup); err != nil {
			return err
		}
		file.backup = backup
	}
	if err := os.Rename(tmp.Name(), file.Target); err != nil {
		if file.backup != "" {
			os.Rename(file.backup, file.Target)
			file.backup = ""
		}
		return err
	}
	file.installed = true
	return nil
}

// Abort stops the installer and rolls back (i.e. deletes) the files installed so far,
// restoring any file they replaced. The installer will usually not stop immediately,
// but finish copying the current file. Abort returns once the installer has stopped,
// and at once when it was never started.
func (i *Installer) Abort() {
	if !i.isStarted() {
		return
	}
	select {
	case i.abortChannel <- true:
	default:
	}
	<-i.finished
}

// Rollback aborts the installation if it is still running and removes the files it
// installed. Files the installer did not write are left alone. Files replaced by a
// completed installation are not brought back.
func (i *Installer) Rollback() {
	i.Abort()
	i.actionLock.Lock()
	defer i.actionLock.Unlock()
	i.rollback()
}

func (i *Installer) rollback() {
	// Do not os.RemoveAll(i.Root)! That could easily delete files and
	// folders not created by the installer.
	for p := len(i.files) - 1; p >= 0; p-- {
		file := i.files[p]
		if !file.installed {
			continue
		}
		Logger.Infof("Rolling back %s", file.Target)
		if err := os.Remove(file.Target); err != nil {
			Logger.WithError(err).Errorf("Error deleting %s", file.Target)
		}
		if file.backup != "" {
			if err := os.Rename(file.backup, file.Target); err != nil {
				Logger.WithError(err).Errorf("Error restoring %s", file.Target)
			}
			file.backup = ""
		}
		file.installed = false
		i.installedSize -= file.Size()
	}
	i.Done = false
}

// setStatus is a non-blocking write to the status channel. An unread older status is
// replaced, so Status() always returns the latest one.
func (i *Installer) setStatus(status InstallStatus) {
	for {
		select {
		case i.statusChannel <- status:
			return
		default:
		}
		select {
		case <-i.statusChannel:
		default:
		}
	}
}

// Status returns the latest installer status, waiting up to a second for one.
func (i *Installer) Status() InstallStatus {
	select {
	case status := <-i.statusChannel:
		return status
	case <-time.After(1 * time.Second):
		return InstallStatus{}
	}
}

// CheckInstallDir checks that dirName is, or can be created as, a writable directory.
func (i *Installer) CheckInstallDir(dirName string) error {
	dir := dirName
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return errors.Wrapf(ErrNotWritable, "%s is not a directory", dir)
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return errors.Wrap(ErrNotWritable, dirName)
		}
		dir = parent
	}
	if !osFileWriteAccess(dir) {
		return errors.Wrap(ErrNotWritable, dir)
	}
	return nil
}

// NextFile returns the file that the installer will install next, or the one that is
// currently being installed.
func (i *Installer) NextFile() *InstallFile {
	for _, file := range i.files {
		if !file.installed {
			return file
		}
	}
	return nil
}

func (i *Installer) SetProgressFunction(function func(InstallStatus)) {
	i.progressFunction = function
}

// Progress returns the size ratio between already installed files and all files. The
// result is a float between 0.0 and 1.0, inclusive.
func (i *Installer) Progress() float64 {
	if i.totalSize == 0 {
		if i.Done {
			return 1
		}
		return 0
	}
	return float64(i.installedSize) / float64(i.totalSize)
}

// Size returns the bytes that have been copied so far or should be copied in total.
func (i *Installer) Size() int64 {
	if i.Done {
		return i.totalSize
	}
	return i.installedSize
}

// SizeString returns a human-readable version of Size().
func (i *Installer) SizeString() string {
	return humanize.Bytes(uint64(i.Size()))
}

// WaitForDone returns only after the installer has finished installing (or undoing),
// with the error that stopped it, if any.
func (i *Installer) WaitForDone() error {
	<-i.finished
	return i.err
}
