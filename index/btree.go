package index

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"OccDB/data"
)

// 每个叶页容纳的最大槽位数，超过后对半分裂
const maxLeafEntries = 32

// BTreeIndex 两层结构：google/btree管理叶页，叶页内是有序槽位数组。
// 每个叶页带一个版本计数器，任何结构性修改（插入、删除、分裂）都会
// 递增版本，事务靠它做幻读检测。注意BTree的写操作并发不安全，
// 结构性修改统一走写锁。
type BTreeIndex struct {
	tree   *btree.BTree
	lock   *sync.RWMutex
	leaves map[NodeID]*leafPage
	nextID uint64
	size   int
}

// 叶页按下界key排序；页一旦创建就不再删除，
// 空页保证任何key区间都有叶子可供幻读检测记录版本
type leafPage struct {
	id NodeID
	// 页的下界，只用于在树中排序
	lo      []byte
	version atomic.Uint64
	entries []*leafEntry
}

type leafEntry struct {
	key  []byte
	slot atomic.Pointer[data.Cell]
}

func (p *leafPage) Less(than btree.Item) bool {
	return bytes.Compare(p.lo, than.(*leafPage).lo) < 0
}

// NewBTreeIndex 初始化，先放一张覆盖全键空间的空叶页
func NewBTreeIndex() *BTreeIndex {
	bt := &BTreeIndex{
		tree:   btree.New(32),
		lock:   &sync.RWMutex{},
		leaves: make(map[NodeID]*leafPage),
		nextID: 1,
	}
	first := &leafPage{id: NodeID(bt.nextID), lo: []byte{}}
	bt.nextID++
	bt.tree.ReplaceOrInsert(first)
	bt.leaves[first.id] = first
	return bt
}

// locate 找到下界不超过key的最后一张叶页，调用方需持锁
func (bt *BTreeIndex) locate(key []byte) *leafPage {
	var page *leafPage
	bt.tree.DescendLessOrEqual(&leafPage{lo: key}, func(it btree.Item) bool {
		page = it.(*leafPage)
		return false
	})
	return page
}

// search 在页内二分查找key
func (p *leafPage) search(key []byte) (int, bool) {
	i := sort.Search(len(p.entries), func(i int) bool {
		return bytes.Compare(p.entries[i].key, key) >= 0
	})
	if i < len(p.entries) && bytes.Equal(p.entries[i].key, key) {
		return i, true
	}
	return i, false
}

func (bt *BTreeIndex) Find(key []byte) *data.Cell {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	page := bt.locate(key)
	if page == nil {
		return nil
	}
	if i, ok := page.search(key); ok {
		return page.entries[i].slot.Load()
	}
	return nil
}

func (bt *BTreeIndex) InsertIfAbsent(key []byte, cell *data.Cell) InsertResult {
	bt.lock.Lock()
	defer bt.lock.Unlock()

	page := bt.locate(key)
	i, ok := page.search(key)
	if ok {
		return InsertResult{
			Cell:        page.entries[i].slot.Load(),
			Leaf:        page.id,
			PrevVersion: page.version.Load(),
		}
	}

	prev := page.version.Load()
	entry := &leafEntry{key: append([]byte(nil), key...)}
	entry.slot.Store(cell)
	page.entries = append(page.entries, nil)
	copy(page.entries[i+1:], page.entries[i:])
	page.entries[i] = entry
	page.version.Add(1)
	bt.size++

	split := false
	if len(page.entries) > maxLeafEntries {
		bt.split(page)
		split = true
	}
	return InsertResult{Cell: cell, Inserted: true, Leaf: page.id, PrevVersion: prev, Split: split}
}

// split 把上半部分槽位迁移到新页，两张页版本都递增
func (bt *BTreeIndex) split(page *leafPage) {
	mid := len(page.entries) / 2
	right := &leafPage{
		id: NodeID(bt.nextID),
		lo: append([]byte(nil), page.entries[mid].key...),
	}
	bt.nextID++
	right.entries = append(right.entries, page.entries[mid:]...)
	page.entries = page.entries[:mid:mid]
	page.version.Add(1)
	right.version.Add(1)
	bt.tree.ReplaceOrInsert(right)
	bt.leaves[right.id] = right
}

func (bt *BTreeIndex) Replace(key []byte, old, new *data.Cell) bool {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	page := bt.locate(key)
	if page == nil {
		return false
	}
	i, ok := page.search(key)
	if !ok {
		return false
	}
	// 槽位交换不是结构性修改，不递增叶版本
	return page.entries[i].slot.CompareAndSwap(old, new)
}

func (bt *BTreeIndex) Remove(key []byte, expected *data.Cell) bool {
	bt.lock.Lock()
	defer bt.lock.Unlock()
	page := bt.locate(key)
	if page == nil {
		return false
	}
	i, ok := page.search(key)
	if !ok || page.entries[i].slot.Load() != expected {
		return false
	}
	page.entries = append(page.entries[:i], page.entries[i+1:]...)
	page.version.Add(1)
	bt.size--
	return true
}

func (bt *BTreeIndex) LeafVersion(id NodeID) (uint64, bool) {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	page, ok := bt.leaves[id]
	if !ok {
		return 0, false
	}
	return page.version.Load(), true
}

// Scan 遍历[lo, hi)。每经过一张叶页先上报(id, version)，
// 再依次回调区间内的槽位。
func (bt *BTreeIndex) Scan(lo, hi []byte, onRecord RecordVisitor, onLeaf LeafVisitor) {
	bt.lock.RLock()
	defer bt.lock.RUnlock()

	start := bt.locate(lo)
	stopped := false
	bt.tree.AscendGreaterOrEqual(start, func(it btree.Item) bool {
		page := it.(*leafPage)
		if hi != nil && bytes.Compare(page.lo, hi) >= 0 {
			return false
		}
		if onLeaf != nil {
			onLeaf(page.id, page.version.Load())
		}
		if onRecord == nil {
			return true
		}
		for _, e := range page.entries {
			if bytes.Compare(e.key, lo) < 0 {
				continue
			}
			if hi != nil && bytes.Compare(e.key, hi) >= 0 {
				return false
			}
			if !onRecord(e.key, e.slot.Load()) {
				stopped = true
				return false
			}
		}
		return !stopped
	})
}

func (bt *BTreeIndex) Size() int {
	bt.lock.RLock()
	defer bt.lock.RUnlock()
	return bt.size
}

func (bt *BTreeIndex) Close() error {
	return nil
}
