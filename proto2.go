package OccDB

import (
	"sync"
	"sync/atomic"
	"time"

	"OccDB/data"
	"OccDB/logger"
)

// protoEpoch 协议P2：时间戳按epoch分段，
// [ epoch | num | core ] 的布局见data/tid.go。
//
// 全局只有两个epoch计数：gCurrentEpoch是新事务运行的epoch，
// gLastConsistentEpoch是快照完全可见的最近epoch，
// 两者相等或者前者恰好大一。epoch推进由专门的协程驱动，
// 同时负责按epoch排空各core的延迟工作队列。
type protoEpoch struct {
	db *DB

	gCurrentEpoch        atomic.Uint64
	gLastConsistentEpoch atomic.Uint64

	cores   []*coreState
	wqEmpty atomic.Bool

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// coreState 每个core槽的本地状态。spinlock在epoch推进时被
// 依次拿住以静默提交；队列里是推迟到某个epoch之后的回调。
type coreState struct {
	mu            sync.Mutex
	lastCommitTid uint64
	queue         []workRecord
}

type workRecord struct {
	targetEpoch uint64
	// 返回true表示要求重新调度到下一个epoch
	work func(epoch uint64) bool
}

func newProtoEpoch(db *DB) *protoEpoch {
	p := &protoEpoch{
		db:       db,
		cores:    make([]*coreState, db.options.NMaxCores),
		interval: db.options.EpochInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for i := range p.cores {
		p.cores[i] = &coreState{}
	}
	p.gCurrentEpoch.Store(1)
	p.gLastConsistentEpoch.Store(1)
	p.wqEmpty.Store(true)
	go p.epochLoop()
	return p
}

func (p *protoEpoch) Begin(t *Txn) {
	t.currentEpoch = p.gCurrentEpoch.Load()
	t.lastConsistentTid = p.consistentTid()
}

func (p *protoEpoch) End(t *Txn) {}

// consistentTid 把最近一致epoch渲染成该epoch内最大的时间戳
func (p *protoEpoch) consistentTid() data.TID {
	e := p.gLastConsistentEpoch.Load()
	return data.MakeTid(0, 0, e+1) - 1
}

// NullEntryTid 空槽位落在当前epoch，同epoch内的首写走覆盖语义、
// 不外溢旧版本（空单元没有容量，新值写进替换单元）
func (p *protoEpoch) NullEntryTid() data.TID {
	return data.MakeTid(0, 0, p.gCurrentEpoch.Load())
}

// ReadTid 只读事务固定在一致快照上，读写事务读最新版本，
// 可见性由CanReadTid约束
func (p *protoEpoch) ReadTid(t *Txn) data.TID {
	if t.flags&TxnFlagReadOnly != 0 {
		return t.lastConsistentTid
	}
	return data.MaxTID
}

// GenCommitTid 取 (本core上一次提交+1, 写单元上观察到的tid,
// 读记录的tid) 三者的最大值，再把epoch和core字段强制为当前值。
// core自旋锁同时挡住epoch推进，保证提交的epoch字段不会脱节。
func (p *protoEpoch) GenCommitTid(t *Txn, writeCells []*data.Cell) data.TID {
	cs := p.cores[t.coreSlot]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cur := p.gCurrentEpoch.Load()
	ret := cs.lastCommitTid
	if data.EpochID(ret) != cur {
		ret = data.MakeTid(uint64(t.coreSlot), 0, cur)
	}
	for _, c := range writeCells {
		if tid := c.TID(); tid > ret {
			ret = tid
		}
	}
	for _, ctx := range t.ctxs {
		for _, rr := range ctx.readSet {
			if rr.cell != nil && rr.tid > ret {
				ret = rr.tid
			}
		}
	}
	ret = data.MakeTid(uint64(t.coreSlot), data.NumID(ret)+1, cur)
	cs.lastCommitTid = ret
	return ret
}

// CanReadTid 只允许读到本epoch或更早的版本
func (p *protoEpoch) CanReadTid(t *Txn, tid data.TID) bool {
	return data.EpochID(tid) <= t.currentEpoch
}

// CanOverwriteRecordTid 同一epoch内允许原地覆盖；跨epoch必须
// 外溢出新版本，epoch边界因此是干净的快照前沿
func (p *protoEpoch) CanOverwriteRecordTid(prev, cur data.TID) bool {
	return data.EpochID(prev) == data.EpochID(cur)
}

// OnSpill 保留一致epoch仍可见的最新旧版本，截断更旧的尾巴
func (p *protoEpoch) OnSpill(head *data.Cell) {
	last := p.gLastConsistentEpoch.Load()
	anchor := head
	for data.EpochID(anchor.TID()) >= last && anchor.Next() != nil {
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

// OnLogicalDelete 挂起墓碑，排到下一个epoch之后再尝试摘除
func (p *protoEpoch) OnLogicalDelete(t *Txn, idx *Index, key []byte, cell *data.Cell) {
	cell.SetEnqueued(true)
	k := append([]byte(nil), key...)
	p.enqueue(t.coreSlot, workRecord{
		targetEpoch: p.gCurrentEpoch.Load() + 1,
		work: func(epoch uint64) bool {
			return tryUnlinkTombstone(p.db, idx, k, cell)
		},
	})
}

func (p *protoEpoch) OnTidFinish(tid data.TID) {}

func (p *protoEpoch) enqueue(core int, rec workRecord) {
	cs := p.cores[core]
	cs.mu.Lock()
	cs.queue = append(cs.queue, rec)
	cs.mu.Unlock()
	p.wqEmpty.Store(false)
}

// epochLoop epoch推进协程：
//  1. 依次拿住所有core锁，静默正在进行的提交
//  2. 推进gCurrentEpoch
//  3. 放锁后等一个固定间隔，让上一epoch的事务落定
//  4. 排空目标epoch已到期的工作队列
//  5. 发布gLastConsistentEpoch
func (p *protoEpoch) epochLoop() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		for _, cs := range p.cores {
			cs.mu.Lock()
		}
		p.gCurrentEpoch.Store(p.gLastConsistentEpoch.Load() + 1)
		for _, cs := range p.cores {
			cs.mu.Unlock()
		}

		select {
		case <-p.stopCh:
			return
		case <-time.After(p.interval):
		}

		cur := p.gCurrentEpoch.Load()
		p.drain(cur)
		p.gLastConsistentEpoch.Store(cur)
	}
}

// drain 运行所有目标epoch不晚于cur的回调，要求重试的排到下一个epoch
func (p *protoEpoch) drain(cur uint64) {
	reader := p.db.rcuDomain.Pin()
	defer reader.Unpin()

	empty := true
	for _, cs := range p.cores {
		cs.mu.Lock()
		var runnable, rest []workRecord
		for _, rec := range cs.queue {
			if rec.targetEpoch <= cur {
				runnable = append(runnable, rec)
			} else {
				rest = append(rest, rec)
			}
		}
		cs.queue = rest
		cs.mu.Unlock()

		var requeue []workRecord
		for _, rec := range runnable {
			if rec.work(cur) {
				rec.targetEpoch = cur + 1
				requeue = append(requeue, rec)
			}
		}
		if len(requeue) > 0 {
			cs.mu.Lock()
			cs.queue = append(cs.queue, requeue...)
			cs.mu.Unlock()
		}

		cs.mu.Lock()
		if len(cs.queue) > 0 {
			empty = false
		}
		cs.mu.Unlock()
	}
	p.wqEmpty.Store(empty)
}

// WaitAnEpoch 阻塞到下一个一致epoch发布
func (p *protoEpoch) WaitAnEpoch() {
	e := p.gLastConsistentEpoch.Load()
	for p.gLastConsistentEpoch.Load() == e {
		time.Sleep(time.Millisecond)
	}
}

// WaitForEmptyWorkQueue 阻塞到所有core的工作队列排空
func (p *protoEpoch) WaitForEmptyWorkQueue() {
	for !p.wqEmpty.Load() {
		time.Sleep(time.Millisecond)
	}
}

func (p *protoEpoch) Close() error {
	close(p.stopCh)
	<-p.doneCh

	// 收尾：把还挂在队列里的回调跑完，反复重试几轮后放弃
	cur := p.gCurrentEpoch.Load()
	for pass := 0; pass < 8; pass++ {
		cur++
		p.drain(cur)
		if p.wqEmpty.Load() {
			break
		}
	}
	if !p.wqEmpty.Load() {
		logger.Warn("epoch work queue not empty at close")
	}
	return nil
}
