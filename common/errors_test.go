package common

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestGoDBError_Codes(t *testing.T) {
	err := NewError(LockTimeoutError, "%s waited on %s", TransactionID(3).String(), PageID{Oid: 1, PageNum: 2}.String())
	assert.Equal(t, LockTimeoutError, err.Code)
	assert.Contains(t, err.Error(), "LockTimeoutError")
	assert.Contains(t, err.Error(), "txn(3)")

	assert.True(t, IsLockTimeout(err))
	wrapped := errors.Wrap(errors.Wrapf(err, "commit"), "run")
	assert.True(t, IsLockTimeout(wrapped), "codes should be found through wrapping")
	assert.False(t, HasCode(wrapped, BufferPoolFullError))
	assert.False(t, IsLockTimeout(errors.New("plain")))
	assert.False(t, IsLockTimeout(nil))
}

func TestPageID_Order(t *testing.T) {
	a := PageID{Oid: 1, PageNum: 5}
	b := PageID{Oid: 1, PageNum: 6}
	c := PageID{Oid: 2, PageNum: 0}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
	assert.True(t, PageID{}.IsNil())
	assert.False(t, a.IsNil())
}
