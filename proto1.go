package OccDB

import (
	"sync/atomic"

	"OccDB/data"
)

// protoGlobalTid 协议P1：单个64位全局计数器产生提交时间戳。
// 每次写都外溢出新版本，链长超过上限后截断水位线以下的旧版本。
//
// 快照策略：事务激活时直接取全局计数器当前值作为快照，
// 中间的并发提交交给提交校验去发现。一致计数器滞后策略见DESIGN.md。
type protoGlobalTid struct {
	db        *DB
	globalTid atomic.Uint64
	maxChain  int
}

func newProtoGlobalTid(db *DB) *protoGlobalTid {
	return &protoGlobalTid{db: db, maxChain: db.options.NMaxChainLength}
}

func (p *protoGlobalTid) Begin(t *Txn) {
	t.snapshotTid = p.globalTid.Load()
	p.db.wm.Add(t.snapshotTid)
}

func (p *protoGlobalTid) End(t *Txn) {
	p.db.wm.Remove(t.snapshotTid)
}

func (p *protoGlobalTid) NullEntryTid() data.TID {
	return data.MinTID
}

func (p *protoGlobalTid) ReadTid(t *Txn) data.TID {
	return t.snapshotTid
}

func (p *protoGlobalTid) GenCommitTid(t *Txn, writeCells []*data.Cell) data.TID {
	return p.globalTid.Add(1)
}

func (p *protoGlobalTid) CanReadTid(t *Txn, tid data.TID) bool {
	return true
}

func (p *protoGlobalTid) CanOverwriteRecordTid(prev, cur data.TID) bool {
	return false
}

// OnSpill 链长超过上限后，保留水位线可见的最新版本，
// 截断更旧的尾巴并交给延迟回收
func (p *protoGlobalTid) OnSpill(head *data.Cell) {
	n := 1
	for c := head.Next(); c != nil; c = c.Next() {
		n++
	}
	if n <= p.maxChain {
		return
	}

	w, ok := p.db.wm.Min()
	if !ok {
		w = p.globalTid.Load()
	}
	anchor := head
	for anchor.TID() > w && anchor.Next() != nil {
		anchor = anchor.Next()
	}
	victims := anchor.DetachNext()
	if victims == nil {
		return
	}
	for c := victims; c != nil; c = c.Next() {
		p.db.tracker.spillTruncated.Add(1)
	}
	data.ReleaseChain(p.db.rcuDomain, victims)
}

// OnLogicalDelete 挂起墓碑，等一个宽限期后尝试从索引摘除。
// 摘除失败（被复活或槽位易主）直接放弃，仍需等待的重新入队。
func (p *protoGlobalTid) OnLogicalDelete(t *Txn, idx *Index, key []byte, cell *data.Cell) {
	cell.SetEnqueued(true)
	k := append([]byte(nil), key...)
	var job func()
	job = func() {
		if tryUnlinkTombstone(p.db, idx, k, cell) {
			p.db.rcuDomain.FreeWithFn(job)
		}
	}
	p.db.rcuDomain.FreeWithFn(job)
}

func (p *protoGlobalTid) OnTidFinish(tid data.TID) {}

func (p *protoGlobalTid) Close() error {
	return nil
}
