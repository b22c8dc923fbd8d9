package OccDB

import "errors"

var (
	ErrKeyIsEmpty        = errors.New("key is empty")
	ErrKeyNotFound       = errors.New("key not found")
	ErrIndexUpdateFailed = errors.New("index update failed")
	ErrTxnUnusable       = errors.New("transaction is no longer usable")
	ErrTxnReadOnly       = errors.New("write on a read-only transaction")
	ErrTxnConflict       = errors.New("transaction aborted")
	ErrNestedTxn         = errors.New("nested transaction on the same goroutine")
	ErrIndexNotFound     = errors.New("index not found")
	ErrDatabaseClosed    = errors.New("database is closed")
	ErrInvalidOptions    = errors.New("invalid options")
)
