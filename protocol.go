package OccDB

import (
	"OccDB/data"
)

// protocol 是提交协议的能力集合。提交逻辑对协议多态，
// 两个实现分别是全局时间戳(P1)和epoch分段时间戳(P2)。
type protocol interface {
	data.Overwriter

	// Begin 在事务激活时捕获快照状态
	Begin(t *Txn)
	// End 在事务落定（提交或中止）后调用
	End(t *Txn)
	// NullEntryTid 新建空槽位用的初始时间戳
	NullEntryTid() data.TID
	// ReadTid 读路径使用的时间戳上界
	ReadTid(t *Txn) data.TID
	// GenCommitTid 为事务分配提交时间戳，writeCells已全部持锁
	GenCommitTid(t *Txn, writeCells []*data.Cell) data.TID
	// CanReadTid 判断一个已读到的版本时间戳是否可被本事务接受
	CanReadTid(t *Txn, tid data.TID) bool
	// OnSpill 写入导致链增长后的回收钩子，持链头锁调用
	OnSpill(head *data.Cell)
	// OnLogicalDelete 最新值变为墓碑后的回收钩子，持链头锁调用
	OnLogicalDelete(t *Txn, idx *Index, key []byte, cell *data.Cell)
	// OnTidFinish 提交时间戳生成后事务落定时调用
	OnTidFinish(tid data.TID)
	Close() error
}

// tryUnlinkTombstone 尝试把墓碑槽位从索引中摘除并回收整条链。
// 摘除前重新校验：仍被挂起、仍是链头、值仍是墓碑。期间key被
// 复活的话撤销挂起直接放弃。返回true表示需要重新调度。
func tryUnlinkTombstone(db *DB, idx *Index, key []byte, cell *data.Cell) bool {
	if !cell.TryLock() {
		return true
	}
	if !cell.IsEnqueued() {
		cell.Unlock()
		return false
	}
	cell.SetEnqueued(false)
	if !cell.IsLatest() || cell.Size() != 0 {
		cell.Unlock()
		return false
	}
	if !idx.idx.Remove(key, cell) {
		cell.Unlock()
		return false
	}
	rest := cell.DetachNext()
	cell.MarkDeleting()
	cell.Unlock()
	db.rcuDomain.FreeWithFn(data.Deleter(cell))
	data.ReleaseChain(db.rcuDomain, rest)
	return false
}
