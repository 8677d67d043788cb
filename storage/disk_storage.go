package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"mit.edu/dsg/godb-pagelock/common"
)

// DiskDBFile implements the DBFile interface using a standard OS file.
type DiskDBFile struct {
	file *os.File
	// numPages caches the file size in pages so reads do not need a stat() call.
	numPages atomic.Int32
	// allocMu serializes file growth.
	allocMu sync.Mutex
}

// NewDiskDBFile creates a new DiskDBFile wrapper around an already open OS file.
// It initializes the page count based on the current file size.
func NewDiskDBFile(file *os.File) (*DiskDBFile, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", file.Name())
	}

	dbFile := &DiskDBFile{
		file: file,
	}
	dbFile.numPages.Store(int32(stat.Size() / int64(common.PageSize)))
	return dbFile, nil
}

// AllocatePage grows the underlying file by `numPages` pages.
func (f *DiskDBFile) AllocatePage(numPages int) (int, error) {
	common.Assert(numPages > 0, "cannot allocate negative number of pages")
	f.allocMu.Lock()
	defer f.allocMu.Unlock()

	currentPages := f.numPages.Load()
	newTotalPages := currentPages + int32(numPages)
	newSizeBytes := int64(newTotalPages) * int64(common.PageSize)

	// Reads from the new area return zeros.
	if err := f.file.Truncate(newSizeBytes); err != nil {
		return 0, errors.Wrapf(err, "allocate %d pages in %s", numPages, f.file.Name())
	}
	f.numPages.Store(newTotalPages)
	return int(currentPages), nil
}

// ReadPage reads the content of the page identified by `pageNum` into `frame`. Returns error if the page does not exist.
func (f *DiskDBFile) ReadPage(pageNum int, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "buffer size must match PageSize")
	if n := f.numPages.Load(); int32(pageNum) >= n {
		return common.NewError(common.NoSuchObjectError,
			"read out of bounds: page %d does not exist (file has %d pages)", pageNum, n)
	}

	offset := int64(pageNum) * int64(common.PageSize)
	if _, err := f.file.ReadAt(frame, offset); err != nil {
		return errors.Wrapf(err, "read page %d of %s", pageNum, f.file.Name())
	}
	return nil
}

// WritePage writes the content of `frame` to the page identified by `pageNum`. Returns error if the page does not exist
func (f *DiskDBFile) WritePage(pageNum int, frame []byte) error {
	common.Assert(len(frame) == common.PageSize, "buffer size must match PageSize")
	if int32(pageNum) >= f.numPages.Load() {
		return common.NewError(common.NoSuchObjectError, "write out of bounds: page %d does not exist", pageNum)
	}

	offset := int64(pageNum) * int64(common.PageSize)
	if _, err := f.file.WriteAt(frame, offset); err != nil {
		return errors.Wrapf(err, "write page %d of %s", pageNum, f.file.Name())
	}
	return nil
}

// Sync flushes writes to stable storage.
func (f *DiskDBFile) Sync() error {
	return f.file.Sync()
}

// Close closes the underlying OS file.
func (f *DiskDBFile) Close() error {
	return f.file.Close()
}

// NumPages returns the number of pages currently in the file.
func (f *DiskDBFile) NumPages() (int, error) {
	return int(f.numPages.Load()), nil
}

// DiskDBFileManager manages a collection of DiskDBFiles rooted at a specific directory.
type DiskDBFileManager struct {
	rootPath  string
	fileCache *xsync.MapOf[common.ObjectID, DBFile]
	logger    logrus.FieldLogger
}

// NewDiskStorageManager initializes a manager rooted at `rootPath`.
func NewDiskStorageManager(rootPath string, logger logrus.FieldLogger) *DiskDBFileManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DiskDBFileManager{
		rootPath:  rootPath,
		fileCache: xsync.NewMapOf[common.ObjectID, DBFile](),
		logger:    logger,
	}
}

func (dsm *DiskDBFileManager) path(oid common.ObjectID) string {
	return filepath.Join(dsm.rootPath, fmt.Sprintf("dbo_%d.dat", oid))
}

// GetDBFile retrieves or creates a DBFile for the given ObjectID.
//
// It maintains a cache of open files to ensure only one instance of DiskDBFile
// exists per physical file.
func (dsm *DiskDBFileManager) GetDBFile(oid common.ObjectID) (DBFile, error) {
	if file, ok := dsm.fileCache.Load(oid); ok {
		return file, nil
	}

	f, err := os.OpenFile(dsm.path(oid), os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open file for object %d", oid)
	}
	newDBFile, err := NewDiskDBFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	actualFile, loaded := dsm.fileCache.LoadOrStore(oid, newDBFile)
	if loaded {
		// Lost the race; use the handle that was installed first.
		_ = newDBFile.Close()
		return actualFile, nil
	}

	return newDBFile, nil
}

// DeleteDBFile permanently deletes the file backing the given ObjectID.
//
// Warning: The caller must ensure that no other threads are currently using/getting the file.
func (dsm *DiskDBFileManager) DeleteDBFile(oid common.ObjectID) error {
	file, loaded := dsm.fileCache.LoadAndDelete(oid)
	if loaded {
		if err := file.Close(); err != nil {
			dsm.logger.WithError(err).WithField("oid", oid).Warn("failed to close file before deleting it")
		}
	}
	return errors.Wrapf(os.Remove(dsm.path(oid)), "delete file for object %d", oid)
}

// Close syncs and closes every open file.
func (dsm *DiskDBFileManager) Close() error {
	var firstErr error
	dsm.fileCache.Range(func(oid common.ObjectID, file DBFile) bool {
		err := file.Sync()
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close file for object %d", oid)
		}
		dsm.fileCache.Delete(oid)
		return true
	})
	return firstErr
}
