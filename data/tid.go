package data

// TID 是64位单调分配的提交时间戳。
// 在协议P2中编码为 [ epoch | num | core ] 三段。
type TID = uint64

const (
	MinTID TID = 0
	MaxTID TID = ^TID(0)
)

// P2的TID布局:
// [ epoch  |  num   |  core  ]
// [ 64-27-CoreBits位 | 27位 | CoreBits ]
// CoreBits为10时epoch字段占27位
const (
	// CoreBits 决定core字段宽度，2^CoreBits >= 最大core数
	CoreBits = 10
	// NMaxCores 引擎允许的最大core槽数量
	NMaxCores = 1 << CoreBits

	CoreMask = uint64(NMaxCores - 1)

	NumIDShift = CoreBits
	NumIDMask  = ((uint64(1) << 27) - 1) << NumIDShift

	EpochShift = NumIDShift + 27
	EpochMask  = ^(uint64(1)<<EpochShift - 1)
)

// MakeTid 组装一个P2时间戳
func MakeTid(coreID, numID, epochID uint64) TID {
	return (coreID & CoreMask) | (numID << NumIDShift & NumIDMask) | (epochID << EpochShift)
}

// CoreID 取出core字段
func CoreID(t TID) uint64 {
	return t & CoreMask
}

// NumID 取出num字段
func NumID(t TID) uint64 {
	return (t & NumIDMask) >> NumIDShift
}

// EpochID 取出epoch字段
func EpochID(t TID) uint64 {
	return (t & EpochMask) >> EpochShift
}
