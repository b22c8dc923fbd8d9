package OccDB

import (
	"bytes"

	"golang.org/x/exp/slices"

	"OccDB/data"
	"OccDB/index"
)

// readRecord 读集合条目。cell是非所有权句柄，提交时靠
// 单元自身的版本计数校验，不延长单元的生命周期。
type readRecord struct {
	tid   data.TID
	value []byte
	cell  *data.Cell
}

// writeRecord 写集合条目，value为空表示删除
type writeRecord struct {
	value []byte
	cell  *data.Cell
	// 槽位是本事务在put时新建的
	insertedFresh bool
	// 提交apply阶段填写
	displaced *data.Cell
	headAfter *data.Cell
}

// KeyRange 半开区间[Lo, Hi)，HasHi为false表示[Lo, +inf)
type KeyRange struct {
	Lo    []byte
	HasHi bool
	Hi    []byte
}

// IsEmpty 空区间判定：lo >= hi
func (r KeyRange) IsEmpty() bool {
	return r.HasHi && bytes.Compare(r.Lo, r.Hi) >= 0
}

// Contains 区间包含：lo <= other.lo 且上界覆盖
func (r KeyRange) Contains(other KeyRange) bool {
	if bytes.Compare(r.Lo, other.Lo) > 0 {
		return false
	}
	if !r.HasHi {
		return true
	}
	if !other.HasHi {
		return false
	}
	return bytes.Compare(r.Hi, other.Hi) >= 0
}

// KeyInRange 判断key是否落在区间内
func (r KeyRange) KeyInRange(k []byte) bool {
	return bytes.Compare(r.Lo, k) <= 0 && (!r.HasHi || bytes.Compare(k, r.Hi) < 0)
}

// pointRange 仅覆盖key本身的最小区间[key, key+0x00)
func pointRange(key []byte) KeyRange {
	hi := make([]byte, len(key)+1)
	copy(hi, key)
	return KeyRange{Lo: append([]byte(nil), key...), HasHi: true, Hi: hi}
}

// txnContext 事务在单个索引上的本地状态
type txnContext struct {
	readSet  map[string]*readRecord
	writeSet map[string]*writeRecord
	// 观测到的空区间，有序、不相交、不相邻
	absentRanges []KeyRange
	// 低层扫描模式下记录的叶版本
	nodeScan map[index.NodeID]uint64
}

func newTxnContext() *txnContext {
	return &txnContext{
		readSet:  make(map[string]*readRecord),
		writeSet: make(map[string]*writeRecord),
		nodeScan: make(map[index.NodeID]uint64),
	}
}

// localSearch 先查写集合再查读集合。返回的known表示本地已知，
// 此时value为空意味着key不存在。
func (ctx *txnContext) localSearch(key []byte) (value []byte, known bool) {
	if wr, ok := ctx.writeSet[string(key)]; ok {
		return wr.value, true
	}
	if rr, ok := ctx.readSet[string(key)]; ok {
		return rr.value, true
	}
	return nil, false
}

// keyInAbsentSet 判断key是否被某个观测空区间覆盖
func (ctx *txnContext) keyInAbsentSet(key []byte) bool {
	// 找到第一个上界大于key的区间
	i, _ := slices.BinarySearchFunc(ctx.absentRanges, key, func(r KeyRange, k []byte) int {
		if !r.HasHi || bytes.Compare(k, r.Hi) < 0 {
			return 1
		}
		return -1
	})
	if i >= len(ctx.absentRanges) {
		return false
	}
	return ctx.absentRanges[i].KeyInRange(key)
}

// addAbsentRange 插入一个空区间并合并重叠或相邻的区间
func (ctx *txnContext) addAbsentRange(r KeyRange) {
	if r.IsEmpty() {
		return
	}
	merged := append(ctx.absentRanges, r)
	slices.SortFunc(merged, func(a, b KeyRange) int {
		return bytes.Compare(a.Lo, b.Lo)
	})
	out := merged[:0]
	for _, cur := range merged {
		if len(out) == 0 {
			out = append(out, cur)
			continue
		}
		last := &out[len(out)-1]
		// 有上界且上界在cur.Lo之前才真正断开
		if last.HasHi && bytes.Compare(last.Hi, cur.Lo) < 0 {
			out = append(out, cur)
			continue
		}
		if !last.HasHi {
			continue
		}
		if !cur.HasHi {
			last.HasHi = false
			last.Hi = nil
		} else if bytes.Compare(cur.Hi, last.Hi) > 0 {
			last.Hi = cur.Hi
		}
	}
	ctx.absentRanges = out
}

// noteOwnInsert 低层扫描模式下修正自己插入造成的叶版本变化。
// 叶子在扫描后被别人改过，或者插入引起了分裂，都只能留给
// 提交校验去中止。
func (ctx *txnContext) noteOwnInsert(res index.InsertResult) (doomed bool) {
	expected, ok := ctx.nodeScan[res.Leaf]
	if !ok {
		return false
	}
	if res.Split || expected != res.PrevVersion {
		return true
	}
	ctx.nodeScan[res.Leaf] = res.PrevVersion + 1
	return false
}
