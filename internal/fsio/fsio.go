// Package fsio is the filesystem capability shared by durability jobs and
// the local segment cache.
package fsio

import (
	"io"
	"io/fs"
	"os"
)

// File is an open file usable with positional I/O.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Stat() (fs.FileInfo, error)
	Name() string
}

// FS is safe for concurrent use.
type FS interface {
	OpenFile(name string, flag int, perm fs.FileMode) (File, error)
	CreateTemp(dir, pattern string) (File, error)
	MkdirAll(path string, perm fs.FileMode) error
	HardLink(oldname, newname string) error
	Rename(oldpath, newpath string) error
	Remove(name string) error
	ReadDir(name string) ([]fs.DirEntry, error)
	ReadFile(name string) ([]byte, error)
	Stat(name string) (fs.FileInfo, error)
}

// OS implements FS on the host filesystem.
type OS struct{}

func (OS) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OS) CreateTemp(dir, pattern string) (File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }
func (OS) HardLink(oldname, newname string) error        { return os.Link(oldname, newname) }
func (OS) Rename(oldpath, newpath string) error          { return os.Rename(oldpath, newpath) }
func (OS) Remove(name string) error                      { return os.Remove(name) }
func (OS) ReadDir(name string) ([]fs.DirEntry, error)    { return os.ReadDir(name) }
func (OS) ReadFile(name string) ([]byte, error)          { return os.ReadFile(name) }
func (OS) Stat(name string) (fs.FileInfo, error)         { return os.Stat(name) }
