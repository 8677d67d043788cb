package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mit.edu/dsg/godb-pagelock/common"
)

func openTestFile(t *testing.T, name string) (*DiskDBFile, *os.File) {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), name))
	require.NoError(t, err)
	dbFile, err := NewDiskDBFile(f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbFile.Close() })
	return dbFile, f
}

func pageWith(s string) []byte {
	buf := make([]byte, common.PageSize)
	copy(buf, s)
	return buf
}

// TestDiskDBFile_Pages covers allocation, bounds and zero-filled new pages on a single file.
func TestDiskDBFile_Pages(t *testing.T) {
	dbFile, f := openTestFile(t, "pages.dat")

	n, err := dbFile.NumPages()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	buf := make([]byte, common.PageSize)
	err = dbFile.ReadPage(0, buf)
	assert.True(t, common.HasCode(err, common.NoSuchObjectError), "unexpected error %v", err)

	first, err := dbFile.AllocatePage(3)
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	stat, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(3*common.PageSize), stat.Size())

	require.NoError(t, dbFile.WritePage(2, pageWith("last")))
	err = dbFile.WritePage(3, buf)
	assert.True(t, common.HasCode(err, common.NoSuchObjectError), "unexpected error %v", err)

	next, err := dbFile.AllocatePage(1)
	require.NoError(t, err)
	assert.Equal(t, 3, next)
	require.NoError(t, dbFile.ReadPage(3, buf))
	assert.Equal(t, make([]byte, common.PageSize), buf, "a new page reads as zeroes")
	require.NoError(t, dbFile.ReadPage(2, buf))
	assert.Equal(t, pageWith("last"), buf)
}

// TestDiskDBFile_ConcurrentAllocate has writers grow the file and fill the pages they got while others do the same.
func TestDiskDBFile_ConcurrentAllocate(t *testing.T) {
	const (
		writers  = 16
		perRound = 4
	)
	dbFile, _ := openTestFile(t, "concurrent.dat")

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perRound; i++ {
				pageNum, err := dbFile.AllocatePage(1)
				if !assert.NoError(t, err) {
					return
				}
				want := pageWith(fmt.Sprintf("w%d-%d@%d", w, i, pageNum))
				assert.NoError(t, dbFile.WritePage(pageNum, want))
				got := make([]byte, common.PageSize)
				assert.NoError(t, dbFile.ReadPage(pageNum, got))
				assert.True(t, bytes.Equal(want, got), "page %d was overwritten", pageNum)
			}
		}(w)
	}
	wg.Wait()

	n, err := dbFile.NumPages()
	require.NoError(t, err)
	assert.Equal(t, writers*perRound, n)
}

// TestDiskDBFileManager_Lifecycle opens files through the manager, reopens them after Close and deletes them.
func TestDiskDBFileManager_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	logger, _ := logrustest.NewNullLogger()
	sm := NewDiskStorageManager(dir, logger)

	file, err := sm.GetDBFile(7)
	require.NoError(t, err)
	again, err := sm.GetDBFile(7)
	require.NoError(t, err)
	assert.Same(t, file, again, "open files should be cached")

	_, err = file.AllocatePage(2)
	require.NoError(t, err)
	data := pageWith("Managed")
	require.NoError(t, file.WritePage(1, data))
	require.NoError(t, sm.Close())

	// A fresh manager sees what the closed one wrote
	sm = NewDiskStorageManager(dir, logger)
	file, err = sm.GetDBFile(7)
	require.NoError(t, err)
	n, err := file.NumPages()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	readBuf := make([]byte, common.PageSize)
	require.NoError(t, file.ReadPage(1, readBuf))
	assert.True(t, bytes.Equal(data, readBuf))

	require.NoError(t, sm.DeleteDBFile(7))
	_, err = os.Stat(filepath.Join(dir, "dbo_7.dat"))
	assert.True(t, os.IsNotExist(err), "file should be gone after delete")
}
