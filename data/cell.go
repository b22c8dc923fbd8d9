package data

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"OccDB/rcu"
)

// 头部位布局:
// [ locked | deleting | enqueued | latest | version ]
// [  0..1  |  1..2    |  2..3    |  3..4  |  4..64  ]
//
// version是乐观读计数器，每次解锁加一。60位计数器上的ABA
// 需要2^60次本地修改才会发生，接受这个风险。
const (
	hdrLockedMask uint64 = 0x1

	hdrDeletingShift        = 1
	hdrDeletingMask  uint64 = 0x1 << hdrDeletingShift

	hdrEnqueuedShift        = 2
	hdrEnqueuedMask  uint64 = 0x1 << hdrEnqueuedShift

	hdrLatestShift        = 3
	hdrLatestMask  uint64 = 0x1 << hdrLatestShift

	hdrVersionShift        = 4
	hdrVersionMask  uint64 = ^(uint64(1)<<hdrVersionShift - 1)
)

// Overwriter 由提交协议实现，决定时间戳cur的新值能否直接覆盖prev版本
type Overwriter interface {
	CanOverwriteRecordTid(prev, cur TID) bool
}

// Cell 是版本链上的一个单元：一个key在某个提交时间戳下的取值。
// 链按next从新到旧连接，链头带LATEST位。size为0表示墓碑（逻辑删除）。
//
// 约束:
//   - enqueued => !deleting，deleting => !enqueued
//   - 链上恰好一个单元带LATEST，且位于链头
//   - tid沿next严格递减
type Cell struct {
	hdr  atomic.Uint64
	next atomic.Pointer[Cell]
	tid  atomic.Uint64
	size atomic.Uint32
	// len(payload)即分配容量，向上取整到16字节
	payload []byte
}

func roundUp16(n int) int {
	return (n + 15) &^ 15
}

// NewAbsentCell 创建一个"不存在"单元：LATEST、size为0、无容量。
// 新索引槽位用它初始化；首次真正写入必然走替换路径。
func NewAbsentCell(tid TID) *Cell {
	c := &Cell{}
	c.hdr.Store(hdrLatestMask)
	c.tid.Store(tid)
	return c
}

// newCell 创建一个带值的单元，locked为真时以持锁状态返回
func newCell(tid TID, value []byte, next *Cell, latest bool, locked bool) *Cell {
	c := &Cell{payload: make([]byte, roundUp16(len(value)))}
	var hdr uint64
	if latest {
		hdr |= hdrLatestMask
	}
	if locked {
		hdr |= hdrLockedMask
	}
	c.hdr.Store(hdr)
	c.tid.Store(tid)
	c.size.Store(uint32(len(value)))
	copy(c.payload, value)
	c.next.Store(next)
	return c
}

func pause(i int) {
	if i%64 == 63 {
		runtime.Gosched()
	}
}

// ---------------- 头部操作 ----------------

func hdrLocked(v uint64) bool   { return v&hdrLockedMask != 0 }
func hdrDeleting(v uint64) bool { return v&hdrDeletingMask != 0 }
func hdrEnqueued(v uint64) bool { return v&hdrEnqueuedMask != 0 }

// HdrLatest 判断一个已捕获的头部快照是否带LATEST位
func HdrLatest(v uint64) bool { return v&hdrLatestMask != 0 }

// HdrVersion 取出头部快照中的乐观计数器
func HdrVersion(v uint64) uint64 { return (v & hdrVersionMask) >> hdrVersionShift }

func (c *Cell) IsLocked() bool   { return hdrLocked(c.hdr.Load()) }
func (c *Cell) IsDeleting() bool { return hdrDeleting(c.hdr.Load()) }
func (c *Cell) IsEnqueued() bool { return hdrEnqueued(c.hdr.Load()) }
func (c *Cell) IsLatest() bool   { return HdrLatest(c.hdr.Load()) }

// Lock 自旋CAS获取单元锁
func (c *Cell) Lock() {
	for i := 0; ; i++ {
		v := c.hdr.Load()
		if !hdrLocked(v) && c.hdr.CompareAndSwap(v, v|hdrLockedMask) {
			return
		}
		pause(i)
	}
}

// TryLock 单次尝试获取单元锁
func (c *Cell) TryLock() bool {
	v := c.hdr.Load()
	return !hdrLocked(v) && c.hdr.CompareAndSwap(v, v|hdrLockedMask)
}

// Unlock 释放单元锁并递增乐观计数器
func (c *Cell) Unlock() {
	v := c.hdr.Load()
	if !hdrLocked(v) {
		panic("cell: unlock of unlocked cell")
	}
	n := HdrVersion(v)
	v &^= hdrVersionMask
	v |= ((n + 1) << hdrVersionShift) & hdrVersionMask
	v &^= hdrLockedMask
	c.hdr.Store(v)
}

// MarkDeleting 标记单元等待回收，只允许在持锁时设置一次
func (c *Cell) MarkDeleting() {
	v := c.hdr.Load()
	if !hdrLocked(v) {
		panic("cell: mark deleting without lock")
	}
	if hdrEnqueued(v) {
		panic("cell: mark deleting on enqueued cell")
	}
	if hdrDeleting(v) {
		panic("cell: mark deleting twice")
	}
	c.hdr.Store(v | hdrDeletingMask)
}

// SetEnqueued 设置或清除ENQUEUED位，要求持锁
func (c *Cell) SetEnqueued(enqueued bool) {
	v := c.hdr.Load()
	if !hdrLocked(v) {
		panic("cell: set enqueued without lock")
	}
	if hdrDeleting(v) {
		panic("cell: set enqueued on deleting cell")
	}
	if enqueued {
		v |= hdrEnqueuedMask
	} else {
		v &^= hdrEnqueuedMask
	}
	c.hdr.Store(v)
}

// SetLatest 设置或清除LATEST位，要求持锁
func (c *Cell) SetLatest(latest bool) {
	v := c.hdr.Load()
	if !hdrLocked(v) {
		panic("cell: set latest without lock")
	}
	if latest {
		v |= hdrLatestMask
	} else {
		v &^= hdrLatestMask
	}
	c.hdr.Store(v)
}

// StableVersion 自旋等待锁释放并返回一个稳定的头部快照
func (c *Cell) StableVersion() uint64 {
	for i := 0; ; i++ {
		v := c.hdr.Load()
		if !hdrLocked(v) {
			return v
		}
		pause(i)
	}
}

// TryStableVersion 有界自旋版本，单元仍被锁住时返回失败
func (c *Cell) TryStableVersion(spins int) (uint64, bool) {
	v := c.hdr.Load()
	for hdrLocked(v) && spins > 0 {
		spins--
		v = c.hdr.Load()
	}
	return v, !hdrLocked(v)
}

// CheckVersion 重读头部并判断是否与之前捕获的稳定快照一致，
// 不一致说明期间有写者经过
func (c *Cell) CheckVersion(v uint64) bool {
	return c.hdr.Load() == v
}

// ---------------- 链访问 ----------------

// Next 返回链上更旧的一个单元
func (c *Cell) Next() *Cell {
	return c.next.Load()
}

// SetNext 更换后继，要求持锁
func (c *Cell) SetNext(next *Cell) {
	if !c.IsLocked() {
		panic("cell: set next without lock")
	}
	c.next.Store(next)
}

// DetachNext 摘下后继链并返回。链的结构性修改只发生在链头锁
// 之下，调用方必须持有链头的锁（本单元不一定是链头）。
func (c *Cell) DetachNext() *Cell {
	next := c.next.Load()
	c.next.Store(nil)
	return next
}

// TID 返回该版本的提交时间戳
func (c *Cell) TID() TID {
	return c.tid.Load()
}

// Size 返回当前值长度，0表示墓碑
func (c *Cell) Size() int {
	return int(c.size.Load())
}

// AllocSize 返回载荷容量
func (c *Cell) AllocSize() int {
	return len(c.payload)
}

func (c *Cell) isNotBehind(t TID) bool {
	return c.tid.Load() <= t
}

// recordAt 乐观读协议的一步：捕获稳定版本、拷贝、再校验。
// 只有入口单元要求LATEST，沿next下降后不再要求。
func (c *Cell) recordAt(t TID, requireLatest bool) (value []byte, readTid TID, ok bool) {
	for {
		v := c.StableVersion()
		next := c.next.Load()
		found := c.isNotBehind(t)
		var r []byte
		var rt TID
		if found {
			if requireLatest && !HdrLatest(v) {
				return nil, 0, false
			}
			rt = c.tid.Load()
			sz := c.size.Load()
			r = make([]byte, sz)
			copy(r, c.payload[:sz])
		}
		if !c.CheckVersion(v) {
			continue
		}
		if found {
			return r, rt, true
		}
		if next == nil {
			return nil, 0, false
		}
		return next.recordAt(t, false)
	}
}

// StableRead 读取时间戳t可见的版本。返回读到的值、该值的提交时间戳。
// 记录已被回收或链头丢失LATEST时返回失败。
// 持有本单元锁时调用会自旋死锁，禁止。
func (c *Cell) StableRead(t TID) (value []byte, readTid TID, ok bool) {
	return c.recordAt(t, true)
}

// IsLatestVersion 持锁下的校验：本单元仍是链头且tid不晚于t
func (c *Cell) IsLatestVersion(t TID) bool {
	return c.IsLatest() && c.isNotBehind(t)
}

// StableIsLatestVersion 乐观校验本单元仍是链头且tid不晚于t
func (c *Cell) StableIsLatestVersion(t TID) bool {
	v, ok := c.TryStableVersion(16)
	if !ok {
		return false
	}
	ret := HdrLatest(v) && c.isNotBehind(t)
	// 版本已变时重试没有意义，结果必然还是失败
	return ret && c.CheckVersion(v)
}

// LatestValueIsNil 持锁下的校验：链头且当前值为墓碑
func (c *Cell) LatestValueIsNil() bool {
	return c.IsLatest() && c.size.Load() == 0
}

// StableLatestValueIsNil 乐观校验链头且当前值为墓碑
func (c *Cell) StableLatestValueIsNil() bool {
	v, ok := c.TryStableVersion(16)
	if !ok {
		return false
	}
	ret := HdrLatest(v) && c.size.Load() == 0
	return ret && c.CheckVersion(v)
}

// WriteRecordAt 总是把新值写到链的最新槽位。要求持锁且本单元为LATEST。
//
// 返回值:
//   - grew: 链上逻辑版本数是否增加
//   - replacement: 非nil时指向接替本单元作为链头的新单元，
//     本单元已被清除LATEST。替换单元以持锁状态返回，调用方负责
//     换掉索引槽位并在之后解锁。
func (c *Cell) WriteRecordAt(ov Overwriter, t TID, value []byte) (grew bool, replacement *Cell) {
	if !c.IsLocked() {
		panic("cell: write without lock")
	}
	if !c.IsLatest() {
		panic("cell: write to non-latest cell")
	}

	prev := c.tid.Load()
	if ov.CanOverwriteRecordTid(prev, t) {
		if len(value) <= len(c.payload) {
			// 原地覆盖
			c.tid.Store(t)
			c.size.Store(uint32(len(value)))
			copy(c.payload, value)
			return false, nil
		}
		// 容量不足，整体替换
		c.SetLatest(false)
		rep := newCell(t, value, c.next.Load(), true, true)
		return false, rep
	}

	// 需要保留旧版本
	if len(value) <= len(c.payload) {
		// 旧值外溢成新的链节点，新值原地写入
		spill := newCell(prev, c.payload[:c.size.Load()], c.next.Load(), false, false)
		c.next.Store(spill)
		c.tid.Store(t)
		c.size.Store(uint32(len(value)))
		copy(c.payload, value)
		return true, nil
	}

	c.SetLatest(false)
	rep := newCell(t, value, c, true, true)
	return true, rep
}

// ---------------- 回收 ----------------

// Deleter 返回回收函数，执行时断言单元处于可回收状态
func Deleter(c *Cell) func() {
	return func() {
		v := c.hdr.Load()
		if !hdrDeleting(v) {
			panic("cell: reclaim without deleting mark")
		}
		if hdrLocked(v) {
			panic("cell: reclaim locked cell")
		}
		c.payload = nil
		c.next.Store(nil)
	}
}

// ReleaseLocked 回收一个调用方已持锁的脱链单元：
// 标记DELETING、解锁、交给延迟回收
func ReleaseLocked(d *rcu.Domain, c *Cell) {
	if c == nil {
		return
	}
	if c.IsEnqueued() {
		c.SetEnqueued(false)
	}
	c.MarkDeleting()
	c.Unlock()
	d.FreeWithFn(Deleter(c))
}

// ReleaseChain 回收一整段脱链的版本链（从c沿next到底）
func ReleaseChain(d *rcu.Domain, c *Cell) {
	for c != nil {
		next := c.next.Load()
		c.Lock()
		ReleaseLocked(d, c)
		c = next
	}
}

// VersionInfo 渲染头部状态，用于调试输出
func (c *Cell) VersionInfo() string {
	v := c.hdr.Load()
	return fmt.Sprintf("[locked=%v deleting=%v enqueued=%v latest=%v version=%d tid=%d size=%d]",
		hdrLocked(v), hdrDeleting(v), hdrEnqueued(v), HdrLatest(v), HdrVersion(v), c.tid.Load(), c.size.Load())
}
