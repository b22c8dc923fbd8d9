package OccDB

import (
	"bytes"
	"sort"
)

// Iterator 事务快照上的迭代器。创建时把区间内的可见记录
// 一次性物化出来，之后的遍历不再碰索引。
type Iterator struct {
	currIndex int
	reverse   bool
	items     []kvPair
}

// NewIterator 在事务里建立迭代器，遍历前缀为指定前缀的Key
func (t *Txn) NewIterator(idx *Index, opts IteratorOptions) (*Iterator, error) {
	var lo, hi []byte
	if len(opts.Prefix) > 0 {
		lo = opts.Prefix
		hi = prefixEnd(opts.Prefix)
	}
	var items []kvPair
	err := t.Scan(idx, lo, hi, func(key, value []byte) bool {
		items = append(items, kvPair{
			key:   append([]byte(nil), key...),
			value: append([]byte(nil), value...),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return &Iterator{reverse: opts.Reverse, items: items}, nil
}

// prefixEnd 前缀区间的上界：最后一个可进位字节加一。
// 全0xff的前缀没有上界，返回nil。
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Rewind 重新回到迭代器起点
func (it *Iterator) Rewind() {
	it.currIndex = 0
}

// Seek 跳到第一个不小于（逆序时不大于）目标key的位置
func (it *Iterator) Seek(key []byte) {
	if it.reverse {
		it.currIndex = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.item(i).key, key) <= 0
		})
	} else {
		it.currIndex = sort.Search(len(it.items), func(i int) bool {
			return bytes.Compare(it.item(i).key, key) >= 0
		})
	}
}

func (it *Iterator) item(i int) kvPair {
	if it.reverse {
		return it.items[len(it.items)-1-i]
	}
	return it.items[i]
}

// Next 跳转到下一个key
func (it *Iterator) Next() {
	it.currIndex++
}

// Valid 是否还有未遍历的key
func (it *Iterator) Valid() bool {
	return it.currIndex < len(it.items)
}

// Key 当前遍历位置的Key数据
func (it *Iterator) Key() []byte {
	return it.item(it.currIndex).key
}

// Value 当前遍历位置的value数据
func (it *Iterator) Value() []byte {
	return it.item(it.currIndex).value
}

// Close 关闭迭代器释放资源
func (it *Iterator) Close() {
	it.items = nil
}
