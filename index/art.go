package index

import (
	"bytes"
	"sync"
	"sync/atomic"

	goart "github.com/plar/go-adaptive-radix-tree"

	"OccDB/data"
)

// ART不暴露叶子，整棵树用一个版本计数器充当单一叶节点。
// 幻读检测因此比BTree粗：任何结构性修改都会让扫描过它的事务中止。
const artLeafID NodeID = 1

// AdaptiveRadixTree 自适应基数树索引
type AdaptiveRadixTree struct {
	tree    goart.Tree
	lock    *sync.RWMutex
	version atomic.Uint64
}

func NewAdaptiveRadixTree() *AdaptiveRadixTree {
	return &AdaptiveRadixTree{
		tree: goart.New(),
		lock: new(sync.RWMutex),
	}
}

func (art *AdaptiveRadixTree) Find(key []byte) *data.Cell {
	art.lock.RLock()
	defer art.lock.RUnlock()
	value, found := art.tree.Search(key)
	if !found {
		return nil
	}
	return value.(*data.Cell)
}

func (art *AdaptiveRadixTree) InsertIfAbsent(key []byte, cell *data.Cell) InsertResult {
	art.lock.Lock()
	defer art.lock.Unlock()
	if value, found := art.tree.Search(key); found {
		return InsertResult{
			Cell:        value.(*data.Cell),
			Leaf:        artLeafID,
			PrevVersion: art.version.Load(),
		}
	}
	prev := art.version.Load()
	art.tree.Insert(key, cell)
	art.version.Add(1)
	return InsertResult{Cell: cell, Inserted: true, Leaf: artLeafID, PrevVersion: prev}
}

func (art *AdaptiveRadixTree) Replace(key []byte, old, new *data.Cell) bool {
	art.lock.Lock()
	defer art.lock.Unlock()
	value, found := art.tree.Search(key)
	if !found || value.(*data.Cell) != old {
		return false
	}
	// 槽位交换，不算结构性修改
	art.tree.Insert(key, new)
	return true
}

func (art *AdaptiveRadixTree) Remove(key []byte, expected *data.Cell) bool {
	art.lock.Lock()
	defer art.lock.Unlock()
	value, found := art.tree.Search(key)
	if !found || value.(*data.Cell) != expected {
		return false
	}
	art.tree.Delete(key)
	art.version.Add(1)
	return true
}

func (art *AdaptiveRadixTree) LeafVersion(id NodeID) (uint64, bool) {
	if id != artLeafID {
		return 0, false
	}
	return art.version.Load(), true
}

func (art *AdaptiveRadixTree) Scan(lo, hi []byte, onRecord RecordVisitor, onLeaf LeafVisitor) {
	art.lock.RLock()
	defer art.lock.RUnlock()
	if onLeaf != nil {
		onLeaf(artLeafID, art.version.Load())
	}
	if onRecord == nil {
		return
	}
	art.tree.ForEach(func(node goart.Node) bool {
		key := node.Key()
		if bytes.Compare(key, lo) < 0 {
			return true
		}
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			return false
		}
		return onRecord(key, node.Value().(*data.Cell))
	})
}

func (art *AdaptiveRadixTree) Size() int {
	art.lock.RLock()
	defer art.lock.RUnlock()
	return art.tree.Size()
}

func (art *AdaptiveRadixTree) Close() error {
	return nil
}
