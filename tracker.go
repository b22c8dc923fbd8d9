package OccDB

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// AbortReason 事务中止原因，每种原因都有事件计数
type AbortReason uint8

const (
	AbortReasonNone AbortReason = iota
	AbortReasonUser
	AbortReasonUnstableRead
	AbortReasonFutureTidRead
	AbortReasonNodeScanWriteVersionChanged
	AbortReasonNodeScanReadVersionChanged
	AbortReasonWriteNodeInterference
	AbortReasonReadNodeInterference
	AbortReasonReadAbsenceInterference
	nAbortReasons
)

func (r AbortReason) String() string {
	switch r {
	case AbortReasonNone:
		return "none"
	case AbortReasonUser:
		return "user"
	case AbortReasonUnstableRead:
		return "unstable-read"
	case AbortReasonFutureTidRead:
		return "future-tid-read"
	case AbortReasonNodeScanWriteVersionChanged:
		return "node-scan-write-version-changed"
	case AbortReasonNodeScanReadVersionChanged:
		return "node-scan-read-version-changed"
	case AbortReasonWriteNodeInterference:
		return "write-node-interference"
	case AbortReasonReadNodeInterference:
		return "read-node-interference"
	case AbortReasonReadAbsenceInterference:
		return "read-absence-interference"
	}
	return "unknown"
}

// tracker 维护引擎的可观测计数
type tracker struct {
	aborts [nAbortReasons]atomic.Uint64
	// 点查和扫描中读到墓碑的次数
	readDeletedSearch atomic.Uint64
	readDeletedScan   atomic.Uint64
	// 外溢回收截断掉的版本数
	spillTruncated atomic.Uint64
	committed      atomic.Uint64
}

func newTracker() *tracker {
	return &tracker{}
}

func (tk *tracker) onAbort(r AbortReason) {
	tk.aborts[r].Add(1)
}

func (tk *tracker) abortCount(r AbortReason) uint64 {
	return tk.aborts[r].Load()
}

func (tk *tracker) dump() string {
	var b strings.Builder
	b.WriteString("==== occdb debug ====\n")
	fmt.Fprintf(&b, "committed: %d\n", tk.committed.Load())
	for r := AbortReasonUser; r < nAbortReasons; r++ {
		fmt.Fprintf(&b, "abort[%s]: %d\n", r, tk.aborts[r].Load())
	}
	fmt.Fprintf(&b, "read-deleted-search: %d\n", tk.readDeletedSearch.Load())
	fmt.Fprintf(&b, "read-deleted-scan: %d\n", tk.readDeletedScan.Load())
	fmt.Fprintf(&b, "spill-truncated: %d\n", tk.spillTruncated.Load())
	return b.String()
}
