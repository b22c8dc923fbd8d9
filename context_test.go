package OccDB

import (
	"testing"

	. "gopkg.in/check.v1"
)

func TestContext(t *testing.T) { TestingT(t) }

type contextSuite struct{}

var _ = Suite(&contextSuite{})

func rng(lo, hi string) KeyRange {
	if hi == "" {
		return KeyRange{Lo: []byte(lo)}
	}
	return KeyRange{Lo: []byte(lo), HasHi: true, Hi: []byte(hi)}
}

func (s *contextSuite) TestKeyRangeBasics(c *C) {
	c.Check(rng("a", "a").IsEmpty(), Equals, true)
	c.Check(rng("b", "a").IsEmpty(), Equals, true)
	c.Check(rng("a", "b").IsEmpty(), Equals, false)
	c.Check(rng("a", "").IsEmpty(), Equals, false)

	r := rng("b", "d")
	c.Check(r.KeyInRange([]byte("b")), Equals, true)
	c.Check(r.KeyInRange([]byte("c")), Equals, true)
	c.Check(r.KeyInRange([]byte("d")), Equals, false)
	c.Check(r.KeyInRange([]byte("a")), Equals, false)

	unbounded := rng("b", "")
	c.Check(unbounded.KeyInRange([]byte("zzz")), Equals, true)
}

func (s *contextSuite) TestKeyRangeContains(c *C) {
	c.Check(rng("a", "z").Contains(rng("b", "c")), Equals, true)
	c.Check(rng("a", "z").Contains(rng("a", "z")), Equals, true)
	c.Check(rng("b", "z").Contains(rng("a", "c")), Equals, false)
	c.Check(rng("a", "c").Contains(rng("b", "z")), Equals, false)
	// 无上界的区间包含一切下界不小于自己的区间
	c.Check(rng("a", "").Contains(rng("b", "")), Equals, true)
	c.Check(rng("a", "c").Contains(rng("b", "")), Equals, false)
}

func (s *contextSuite) TestAddAbsentRangeMerge(c *C) {
	ctx := newTxnContext()
	ctx.addAbsentRange(rng("a", "c"))
	ctx.addAbsentRange(rng("f", "h"))
	c.Assert(ctx.absentRanges, HasLen, 2)

	// 重叠区间合并
	ctx.addAbsentRange(rng("b", "d"))
	c.Assert(ctx.absentRanges, HasLen, 2)
	c.Check(string(ctx.absentRanges[0].Hi), Equals, "d")

	// 相邻区间合并
	ctx.addAbsentRange(rng("d", "f"))
	c.Assert(ctx.absentRanges, HasLen, 1)
	c.Check(string(ctx.absentRanges[0].Lo), Equals, "a")
	c.Check(string(ctx.absentRanges[0].Hi), Equals, "h")

	// 空区间丢弃
	ctx.addAbsentRange(rng("x", "x"))
	c.Assert(ctx.absentRanges, HasLen, 1)

	// 被包含的区间不产生新条目
	ctx.addAbsentRange(rng("b", "c"))
	c.Assert(ctx.absentRanges, HasLen, 1)
}

func (s *contextSuite) TestAddAbsentRangeUnbounded(c *C) {
	ctx := newTxnContext()
	ctx.addAbsentRange(rng("m", ""))
	ctx.addAbsentRange(rng("a", "c"))
	c.Assert(ctx.absentRanges, HasLen, 2)

	// 与无界区间重叠的区间被吸收
	ctx.addAbsentRange(rng("k", "z"))
	c.Assert(ctx.absentRanges, HasLen, 2)
	c.Check(ctx.absentRanges[1].HasHi, Equals, false)
	c.Check(string(ctx.absentRanges[1].Lo), Equals, "k")
}

func (s *contextSuite) TestKeyInAbsentSet(c *C) {
	ctx := newTxnContext()
	ctx.addAbsentRange(rng("b", "d"))
	ctx.addAbsentRange(rng("f", "h"))

	c.Check(ctx.keyInAbsentSet([]byte("b")), Equals, true)
	c.Check(ctx.keyInAbsentSet([]byte("c")), Equals, true)
	c.Check(ctx.keyInAbsentSet([]byte("d")), Equals, false)
	c.Check(ctx.keyInAbsentSet([]byte("e")), Equals, false)
	c.Check(ctx.keyInAbsentSet([]byte("g")), Equals, true)
	c.Check(ctx.keyInAbsentSet([]byte("z")), Equals, false)
	c.Check(ctx.keyInAbsentSet([]byte("a")), Equals, false)
}

func (s *contextSuite) TestLocalSearchOrder(c *C) {
	ctx := newTxnContext()
	_, known := ctx.localSearch([]byte("k"))
	c.Check(known, Equals, false)

	ctx.readSet["k"] = &readRecord{tid: 1, value: []byte("read")}
	v, known := ctx.localSearch([]byte("k"))
	c.Check(known, Equals, true)
	c.Check(string(v), Equals, "read")

	// 写集合遮蔽读集合
	ctx.writeSet["k"] = &writeRecord{value: []byte("written")}
	v, known = ctx.localSearch([]byte("k"))
	c.Check(known, Equals, true)
	c.Check(string(v), Equals, "written")

	// 空值表示本地已删除
	ctx.writeSet["k"].value = nil
	v, known = ctx.localSearch([]byte("k"))
	c.Check(known, Equals, true)
	c.Check(v, HasLen, 0)
}

func (s *contextSuite) TestPointRange(c *C) {
	r := pointRange([]byte("k"))
	c.Check(r.KeyInRange([]byte("k")), Equals, true)
	c.Check(r.KeyInRange([]byte("k\x00")), Equals, false)
	c.Check(r.KeyInRange([]byte("j")), Equals, false)
}
