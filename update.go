package OccDB

// Update 在一个读写事务里执行fn：fn返回错误则中止并透传错误，
// 否则提交。提交因冲突中止时自动重试，总共尝试
// MaxTxnRetries次仍冲突则返回ErrTxnConflict。
// 调用协程上已经有活跃事务时拒绝，嵌套事务不被支持。
func (db *DB) Update(fn func(txn *Txn) error) error {
	if db.hasActiveTxn(goroutineID()) {
		return ErrNestedTxn
	}
	for i := 0; i < db.options.MaxTxnRetries; i++ {
		txn, err := db.Begin(0)
		if err != nil {
			return err
		}
		if err := fn(txn); err != nil {
			_ = txn.Abort()
			return err
		}
		ok, err := txn.Commit(false)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// 冲突中止，重试
	}
	return ErrTxnConflict
}

// View 在一个只读事务里执行fn。只读事务固定在一致快照上，
// 提交永远成功，不需要重试。
func (db *DB) View(fn func(txn *Txn) error) error {
	if db.hasActiveTxn(goroutineID()) {
		return ErrNestedTxn
	}
	txn, err := db.Begin(TxnFlagReadOnly)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		_ = txn.Abort()
		return err
	}
	_, err = txn.Commit(false)
	return err
}
