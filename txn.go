package OccDB

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/exp/slices"

	"OccDB/data"
	"OccDB/index"
	"OccDB/rcu"
)

type txnState int8

const (
	// txnEmbryo 事务对象已创建但还没有执行过任何操作
	txnEmbryo txnState = iota
	txnActive
	txnCommitted
	txnAborted
)

const (
	// TxnFlagLowLevelScan 用底层叶版本协议做扫描一致性检查，
	// 代替观测空区间
	TxnFlagLowLevelScan uint64 = 0x1
	// TxnFlagReadOnly 只读事务，写操作立即中止并报错
	TxnFlagReadOnly uint64 = 0x2
)

// Txn 一个事务。Embryo到Active的转换发生在第一次操作时，
// 激活后捕获协议快照并进入回收域的读临界区。
// 事务对象不是并发安全的，一个协程同一时刻只跑一个事务。
type Txn struct {
	db     *DB
	state  txnState
	flags  uint64
	reason AbortReason
	ctxs   map[*Index]*txnContext
	reader *rcu.Reader
	// 操作途中已经察觉、推迟到提交兑现的中止原因
	doomed AbortReason

	// 激活事务的协程，用于嵌套检测
	gid uint64

	// 协议快照状态
	coreSlot          int
	snapshotTid       data.TID // P1：激活时的全局计数器
	currentEpoch      uint64   // P2：激活时的当前epoch
	lastConsistentTid data.TID // P2：一致快照时间戳
}

func (t *Txn) readOnly() bool {
	return t.flags&TxnFlagReadOnly != 0
}

func (t *Txn) lowLevel() bool {
	return t.flags&TxnFlagLowLevelScan != 0
}

// Flags 返回事务创建时的标志位
func (t *Txn) Flags() uint64 {
	return t.flags
}

// LastAbortReason 最近一次中止的原因，用于观测
func (t *Txn) LastAbortReason() AbortReason {
	return t.reason
}

// DumpDebug 渲染事务当前状态，用于调试输出
func (t *Txn) DumpDebug() string {
	var b strings.Builder
	fmt.Fprintf(&b, "txn state=%d flags=%#x reason=%s core=%d\n", t.state, t.flags, t.reason, t.coreSlot)
	for idx, ctx := range t.ctxs {
		fmt.Fprintf(&b, "  ctx[%s]: reads=%d writes=%d absent_ranges=%d node_scan=%d\n",
			idx.name, len(ctx.readSet), len(ctx.writeSet), len(ctx.absentRanges), len(ctx.nodeScan))
	}
	return b.String()
}

func (t *Txn) ensureActive() error {
	switch t.state {
	case txnEmbryo:
		t.state = txnActive
		t.gid = goroutineID()
		t.db.registerActive(t.gid)
		t.reader = t.db.rcuDomain.Pin()
		t.db.proto.Begin(t)
		return nil
	case txnActive:
		return nil
	default:
		return ErrTxnUnusable
	}
}

func (t *Txn) ctx(idx *Index) *txnContext {
	ctx, ok := t.ctxs[idx]
	if !ok {
		ctx = newTxnContext()
		t.ctxs[idx] = ctx
	}
	return ctx
}

// finish 事务落定：中止路径顺手清掉自己新建的空槽位，
// 然后退出协议和回收域
func (t *Txn) finish(state txnState) {
	if state == txnAborted {
		t.cleanupFreshSlots()
	}
	t.state = state
	t.db.proto.End(t)
	t.db.unregisterActive(t.gid)
	if t.reader != nil {
		t.reader.Unpin()
		t.reader = nil
	}
}

func (t *Txn) abortWith(reason AbortReason) {
	t.reason = reason
	t.db.tracker.onAbort(reason)
	t.finish(txnAborted)
}

// Get 读取key。先查本地写集合和读集合，再下探索引做乐观读，
// 读到的版本进入读集合供提交校验。
func (t *Txn) Get(idx *Index, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}
	if err := t.ensureActive(); err != nil {
		return nil, err
	}
	ctx := t.ctx(idx)
	if v, known := ctx.localSearch(key); known {
		if len(v) == 0 {
			return nil, ErrKeyNotFound
		}
		return append([]byte(nil), v...), nil
	}
	if ctx.keyInAbsentSet(key) {
		return nil, ErrKeyNotFound
	}

	head := idx.idx.Find(key)
	if head == nil {
		t.rememberAbsent(ctx, key)
		return nil, ErrKeyNotFound
	}
	value, readTid, ok := head.StableRead(t.db.proto.ReadTid(t))
	if !ok {
		// 版本已被回收或链头易主，视作不存在
		t.rememberAbsent(ctx, key)
		return nil, ErrKeyNotFound
	}
	if !t.db.proto.CanReadTid(t, readTid) {
		t.abortWith(AbortReasonFutureTidRead)
		return nil, ErrTxnConflict
	}
	if !t.readOnly() {
		ctx.readSet[string(key)] = &readRecord{tid: readTid, value: value, cell: head}
	}
	if len(value) == 0 {
		t.db.tracker.readDeletedSearch.Add(1)
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// rememberAbsent 记录一次没有读到槽位的点查：
// 读集合里放一条空句柄，观测空区间覆盖这个key
func (t *Txn) rememberAbsent(ctx *txnContext, key []byte) {
	if t.readOnly() {
		return
	}
	ctx.addAbsentRange(pointRange(key))
	ctx.readSet[string(key)] = &readRecord{tid: t.db.proto.NullEntryTid()}
}

// Put 写入key，值缓存在写集合里直到提交
func (t *Txn) Put(idx *Index, key, value []byte) error {
	return t.put(idx, key, value)
}

// Delete 删除key，写集合里表现为空值（墓碑）
func (t *Txn) Delete(idx *Index, key []byte) error {
	return t.put(idx, key, nil)
}

func (t *Txn) put(idx *Index, key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}
	if err := t.ensureActive(); err != nil {
		return err
	}
	if t.readOnly() {
		t.abortWith(AbortReasonUser)
		return ErrTxnReadOnly
	}
	ctx := t.ctx(idx)
	buf := append([]byte(nil), value...)
	if wr, ok := ctx.writeSet[string(key)]; ok {
		wr.value = buf
		return nil
	}

	// 提前拿到要写的链头：没有槽位就先挂一个空单元进去，
	// 和其他提交者撞上时收养现存的那个
	var cell *data.Cell
	var fresh bool
	if rr, ok := ctx.readSet[string(key)]; ok && rr.cell != nil {
		cell = rr.cell
	} else if head := idx.idx.Find(key); head != nil {
		cell = head
	} else {
		res := idx.idx.InsertIfAbsent(key, data.NewAbsentCell(t.db.proto.NullEntryTid()))
		cell = res.Cell
		fresh = res.Inserted
		if res.Inserted && ctx.noteOwnInsert(res) && t.doomed == AbortReasonNone {
			t.doomed = AbortReasonNodeScanWriteVersionChanged
		}
	}
	ctx.writeSet[string(key)] = &writeRecord{value: buf, cell: cell, insertedFresh: fresh}
	return nil
}

func nextKey(key []byte) []byte {
	next := make([]byte, len(key)+1)
	copy(next, key)
	return next
}

type kvPair struct {
	key   []byte
	value []byte
}

// Scan 遍历[lo, hi)，hi为nil表示无上界。命中的已提交记录进入
// 读集合；低层扫描模式下记录途经叶子的版本，否则把没有命中的
// 子区间记成观测空区间。本地写集合叠加在结果之上。
func (t *Txn) Scan(idx *Index, lo, hi []byte, cb func(key, value []byte) bool) error {
	if err := t.ensureActive(); err != nil {
		return err
	}
	ctx := t.ctx(idx)
	rt := t.db.proto.ReadTid(t)

	// 先在索引锁下收集(键, 链头)和叶版本，乐观读放到锁外做，
	// 避免在持索引锁时自旋等别人的单元锁
	var slots []kvPair
	cells := make([]*data.Cell, 0, 16)
	idx.idx.Scan(lo, hi,
		func(key []byte, cell *data.Cell) bool {
			slots = append(slots, kvPair{key: append([]byte(nil), key...)})
			cells = append(cells, cell)
			return true
		},
		func(id index.NodeID, version uint64) {
			if t.lowLevel() && !t.readOnly() {
				if _, ok := ctx.nodeScan[id]; !ok {
					ctx.nodeScan[id] = version
				}
			}
		})

	var hits []kvPair
	for i, s := range slots {
		value, readTid, ok := cells[i].StableRead(rt)
		if !ok {
			continue
		}
		if !t.db.proto.CanReadTid(t, readTid) {
			t.abortWith(AbortReasonFutureTidRead)
			return ErrTxnConflict
		}
		if !t.readOnly() {
			ctx.readSet[string(s.key)] = &readRecord{tid: readTid, value: value, cell: cells[i]}
		}
		if len(value) == 0 {
			t.db.tracker.readDeletedScan.Add(1)
			continue
		}
		hits = append(hits, kvPair{key: s.key, value: value})
	}

	if !t.lowLevel() && !t.readOnly() {
		last := append([]byte(nil), lo...)
		for _, h := range hits {
			ctx.addAbsentRange(KeyRange{Lo: last, HasHi: true, Hi: h.key})
			last = nextKey(h.key)
		}
		ctx.addAbsentRange(KeyRange{Lo: last, HasHi: hi != nil, Hi: append([]byte(nil), hi...)})
	}

	for _, kv := range t.overlayWrites(ctx, hits, lo, hi) {
		if !cb(kv.key, kv.value) {
			break
		}
	}
	return nil
}

// overlayWrites 把本事务在[lo, hi)内的待写值盖到扫描结果上，
// 墓碑把对应的key从结果里拿掉
func (t *Txn) overlayWrites(ctx *txnContext, hits []kvPair, lo, hi []byte) []kvPair {
	if len(ctx.writeSet) == 0 {
		return hits
	}
	var wkeys []string
	for k := range ctx.writeSet {
		kb := []byte(k)
		if bytes.Compare(kb, lo) >= 0 && (hi == nil || bytes.Compare(kb, hi) < 0) {
			wkeys = append(wkeys, k)
		}
	}
	if len(wkeys) == 0 {
		return hits
	}
	slices.Sort(wkeys)

	merged := make([]kvPair, 0, len(hits)+len(wkeys))
	i, j := 0, 0
	for i < len(hits) || j < len(wkeys) {
		var takeWrite bool
		if i >= len(hits) {
			takeWrite = true
		} else if j >= len(wkeys) {
			takeWrite = false
		} else {
			switch bytes.Compare([]byte(wkeys[j]), hits[i].key) {
			case -1:
				takeWrite = true
			case 0:
				// 本地写遮蔽已提交值
				i++
				takeWrite = true
			default:
				takeWrite = false
			}
		}
		if takeWrite {
			wr := ctx.writeSet[wkeys[j]]
			j++
			if len(wr.value) == 0 {
				continue
			}
			merged = append(merged, kvPair{key: []byte(wkeys[j-1]), value: wr.value})
		} else {
			merged = append(merged, hits[i])
			i++
		}
	}
	return merged
}

// Abort 主动中止。未落定或已中止的事务上总是成功，
// 已提交的事务返回ErrTxnUnusable
func (t *Txn) Abort() error {
	switch t.state {
	case txnEmbryo:
		t.state = txnAborted
		t.reason = AbortReasonUser
		t.db.tracker.onAbort(AbortReasonUser)
		return nil
	case txnActive:
		t.reason = AbortReasonUser
		t.db.tracker.onAbort(AbortReasonUser)
		t.finish(txnAborted)
		return nil
	case txnAborted:
		return nil
	default:
		return ErrTxnUnusable
	}
}

// cleanupFreshSlots 中止路径：把本事务挂进索引但从未提交过
// 值的空槽位摘掉，避免留下悬空的空单元
func (t *Txn) cleanupFreshSlots() {
	for idx, ctx := range t.ctxs {
		for k, wr := range ctx.writeSet {
			if !wr.insertedFresh {
				continue
			}
			c := wr.cell
			if !c.TryLock() {
				continue
			}
			if c.IsLatest() && !c.IsEnqueued() && !c.IsDeleting() && c.Size() == 0 && idx.idx.Remove([]byte(k), c) {
				rest := c.DetachNext()
				data.ReleaseLocked(t.db.rcuDomain, c)
				data.ReleaseChain(t.db.rcuDomain, rest)
			} else {
				c.Unlock()
			}
		}
	}
}

type commitWrite struct {
	idx *Index
	key string
	wr  *writeRecord
}

// Commit 两阶段提交：按全序锁定写集合，校验读集合、叶版本和
// 观测空区间，然后把写集合写进版本链并逆序放锁。任何校验失败都转成中止，
// 已拿的锁全部释放，对外不产生任何可见修改。
// throwOnAbort为真时冲突中止以错误返回，否则只返回false。
func (t *Txn) Commit(throwOnAbort bool) (bool, error) {
	switch t.state {
	case txnEmbryo:
		// 没做过任何操作，平凡提交
		t.state = txnCommitted
		return true, nil
	case txnActive:
	case txnAborted:
		if throwOnAbort {
			return false, ErrTxnConflict
		}
		return false, nil
	default:
		return false, ErrTxnUnusable
	}

	if t.readOnly() {
		// 只读事务固定在一致快照上，无需校验
		t.db.tracker.committed.Add(1)
		t.finish(txnCommitted)
		return true, nil
	}

	// 1. 收集全部写单元，按(索引名, key)的全序排列
	idxs := make([]*Index, 0, len(t.ctxs))
	for idx := range t.ctxs {
		idxs = append(idxs, idx)
	}
	slices.SortFunc(idxs, func(a, b *Index) int { return strings.Compare(a.name, b.name) })

	var writes []commitWrite
	for _, idx := range idxs {
		ctx := t.ctxs[idx]
		keys := make([]string, 0, len(ctx.writeSet))
		for k := range ctx.writeSet {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			writes = append(writes, commitWrite{idx: idx, key: k, wr: ctx.writeSet[k]})
		}
	}

	locked := make([]*data.Cell, 0, len(writes))
	lockedSet := make(map[*data.Cell]bool, len(writes))
	abort := func(reason AbortReason, err error) (bool, error) {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
		t.reason = reason
		t.db.tracker.onAbort(reason)
		t.finish(txnAborted)
		if err != nil {
			return false, err
		}
		if throwOnAbort {
			return false, ErrTxnConflict
		}
		return false, nil
	}

	// 2. 锁定写集合。锁到手后链头必须还是链头，且仍然挂在槽位上
	for _, w := range writes {
		c := w.wr.cell
		c.Lock()
		locked = append(locked, c)
		lockedSet[c] = true
		if !c.IsLatest() || c.IsDeleting() {
			return abort(AbortReasonWriteNodeInterference, nil)
		}
		if w.idx.idx.Find([]byte(w.key)) != c {
			return abort(AbortReasonWriteNodeInterference, ErrIndexUpdateFailed)
		}
	}

	// 3. 生成提交时间戳
	var commitTid data.TID
	if len(writes) > 0 {
		commitTid = t.db.proto.GenCommitTid(t, locked)
	}

	// 4. 校验读集合：读过的版本必须仍是链头上的那个
	for _, idx := range idxs {
		ctx := t.ctxs[idx]
		for _, rr := range ctx.readSet {
			if rr.cell == nil {
				continue
			}
			if lockedSet[rr.cell] {
				// 自己锁着的单元走持锁校验，乐观读会自旋死锁
				if !rr.cell.IsLatestVersion(rr.tid) {
					return abort(AbortReasonReadNodeInterference, nil)
				}
			} else if !rr.cell.StableIsLatestVersion(rr.tid) {
				// 乐观读没能在同一版本上收敛
				return abort(AbortReasonUnstableRead, nil)
			}
			if !t.db.proto.CanReadTid(t, rr.tid) {
				return abort(AbortReasonFutureTidRead, nil)
			}
		}
	}
	if t.doomed != AbortReasonNone {
		return abort(t.doomed, nil)
	}

	// 5. 幻读校验：叶版本未变，观测空区间里仍然没有已提交的key
	for _, idx := range idxs {
		ctx := t.ctxs[idx]
		for id, ver := range ctx.nodeScan {
			cur, ok := idx.idx.LeafVersion(id)
			if !ok || cur != ver {
				return abort(AbortReasonNodeScanReadVersionChanged, nil)
			}
		}
		for _, r := range ctx.absentRanges {
			if t.absentRangeViolated(idx, r, lockedSet) {
				return abort(AbortReasonReadAbsenceInterference, nil)
			}
		}
	}

	// 6. 把写集合写进版本链。返回替换单元时换掉索引槽位；
	// 链增长交给协议的外溢回收；墓碑交给协议调度摘除
	for i := range writes {
		w := &writes[i]
		cell := w.wr.cell
		grew, rep := cell.WriteRecordAt(t.db.proto, commitTid, w.wr.value)
		head := cell
		if rep != nil {
			// 替换单元以持锁状态入列，随其余锁一起释放
			locked = append(locked, rep)
			if !w.idx.idx.Replace([]byte(w.key), cell, rep) {
				// 持有链头锁时槽位不会易主，加锁阶段也已校验过；
				// 槽位还是换不动就只能放锁中止上报
				return abort(AbortReasonWriteNodeInterference, ErrIndexUpdateFailed)
			}
			head = rep
			if !grew {
				// 原地覆盖语义下旧链头已脱链，放锁后回收
				w.wr.displaced = cell
			}
		}
		if grew {
			t.db.proto.OnSpill(head)
		}
		if len(w.wr.value) == 0 {
			t.db.proto.OnLogicalDelete(t, w.idx, []byte(w.key), head)
		}
		w.wr.headAfter = head
	}

	// 7. 逆序放锁，脱链的旧链头交给延迟回收
	displaced := make(map[*data.Cell]bool)
	for i := range writes {
		if d := writes[i].wr.displaced; d != nil {
			displaced[d] = true
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		c := locked[i]
		if displaced[c] {
			data.ReleaseLocked(t.db.rcuDomain, c)
		} else {
			c.Unlock()
		}
	}

	t.db.tracker.committed.Add(1)
	if len(writes) > 0 {
		t.db.proto.OnTidFinish(commitTid)
	}
	t.finish(txnCommitted)
	return true, nil
}

// absentRangeViolated 重扫一个观测空区间，发现任何已提交的
// 非墓碑链头即违例。自己锁着的待写单元在落盘前仍是墓碑，跳过。
func (t *Txn) absentRangeViolated(idx *Index, r KeyRange, lockedSet map[*data.Cell]bool) bool {
	violated := false
	var hi []byte
	if r.HasHi {
		hi = r.Hi
	}
	idx.idx.Scan(r.Lo, hi, func(key []byte, cell *data.Cell) bool {
		if lockedSet[cell] {
			if cell.LatestValueIsNil() {
				return true
			}
		} else if cell.StableLatestValueIsNil() {
			return true
		}
		violated = true
		return false
	}, nil)
	return violated
}
