package common

import (
	"fmt"
)

const PageSize int = 4096

// ObjectID is a unique identifier for a table/index/etc. in the database.
type ObjectID uint32

const InvalidObjectID ObjectID = 0

// PageID uniquely identifies a page within the database. It is comparable and is used directly as a map key by the
// lock table and the buffer pool.
type PageID struct {
	Oid     ObjectID
	PageNum int32
}

func (p PageID) String() string {
	return fmt.Sprintf("Page(%d, %d)", p.Oid, p.PageNum)
}

// IsNil checks if the PageID is valid.
func (p PageID) IsNil() bool {
	return p.Oid == InvalidObjectID
}

// Less orders pages by object first and page number second, which is also the order pages sit in on disk.
func (p PageID) Less(other PageID) bool {
	if p.Oid != other.Oid {
		return p.Oid < other.Oid
	}
	return p.PageNum < other.PageNum
}

// TransactionID identifies a transaction for its whole lifetime. IDs are handed out in increasing order, so a larger
// ID means a younger transaction.
type TransactionID uint64

const InvalidTransactionID TransactionID = 0

func (tid TransactionID) String() string {
	return fmt.Sprintf("txn(%d)", uint64(tid))
}

// Permissions describes the access a caller wants on a page it fetches through the buffer pool.
type Permissions int

const (
	ReadOnly Permissions = iota
	ReadWrite
)

func (p Permissions) String() string {
	switch p {
	case ReadOnly:
		return "ReadOnly"
	case ReadWrite:
		return "ReadWrite"
	}
	return "unknown"
}
