package OccDB

import (
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

// watermark 维护活跃事务快照时间戳的最小堆，堆顶即回收水位线：
// 比它更旧的版本不再有活跃事务能读到。删除采用惰性标记，
// 在Min时顺手清理堆顶。

type watermark struct {
	mu       sync.Mutex
	timeHeap *priorityqueue.Queue
	released map[uint64]int
	active   int
}

// UInt64Comparator 无符号数比较器，堆顶是最小的快照
func UInt64Comparator(a, b interface{}) int {
	aInt64 := a.(uint64)
	bInt64 := b.(uint64)
	switch {
	case aInt64 < bInt64:
		return -1
	case aInt64 > bInt64:
		return 1
	default:
		return 0
	}
}

func newWatermark() *watermark {
	return &watermark{
		timeHeap: priorityqueue.NewWith(UInt64Comparator),
		released: make(map[uint64]int),
	}
}

// Add 登记一个活跃快照
func (w *watermark) Add(tid uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeHeap.Enqueue(tid)
	w.active++
}

// Remove 注销一个快照，实际的堆清理推迟到Min
func (w *watermark) Remove(tid uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.released[tid]++
	w.active--
}

// Min 返回当前最小的活跃快照，没有活跃事务时返回false
func (w *watermark) Min() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		top, ok := w.timeHeap.Peek()
		if !ok {
			return 0, false
		}
		tid := top.(uint64)
		if n := w.released[tid]; n > 0 {
			w.timeHeap.Dequeue()
			if n == 1 {
				delete(w.released, tid)
			} else {
				w.released[tid] = n - 1
			}
			continue
		}
		return tid, true
	}
}

// Active 当前活跃事务数
func (w *watermark) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
