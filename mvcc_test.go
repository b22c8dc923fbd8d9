package OccDB

import (
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OccDB/data"
)

func openDB(t *testing.T, opts Options) (*DB, *Index) {
	t.Helper()
	db, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	idx, err := db.CreateIndex("test")
	require.NoError(t, err)
	return db, idx
}

func p1Options() Options {
	opts := DefaultOptions
	opts.ProtocolType = ProtoGlobalTid
	return opts
}

// mustGet 用读写事务读最新已提交值。只读事务固定在一致快照上，
// P2下会滞后最多一个epoch，不适合做紧跟提交的断言。
func mustGet(t *testing.T, db *DB, idx *Index, key []byte) ([]byte, error) {
	t.Helper()
	txn, err := db.Begin(0)
	require.NoError(t, err)
	value, err := txn.Get(idx, key)
	_ = txn.Abort()
	return value, err
}

// updateFromPeer 在另一个协程里跑一个读写事务。
// 调用协程上往往还挂着本测试的事务，嵌套事务会被拒绝。
func updateFromPeer(t *testing.T, db *DB, fn func(txn *Txn) error) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- db.Update(fn)
	}()
	require.NoError(t, <-done)
}

func chainLen(idx *Index, key []byte) int {
	n := 0
	for c := idx.idx.Find(key); c != nil; c = c.Next() {
		n++
	}
	return n
}

// 场景1: 单事务提交后对后续事务可见
func TestTxn_SoloCommit(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	txn, err := db.Begin(0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(idx, []byte("a"), []byte("1")))
	ok, err := txn.Commit(false)
	require.NoError(t, err)
	require.True(t, ok)

	txn2, err := db.Begin(0)
	require.NoError(t, err)
	value, err := txn2.Get(idx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	_, err = txn2.Commit(false)
	require.NoError(t, err)
}

// 场景2: 只读事务上的写立即中止
func TestTxn_ReadOnlyGuard(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	txn, err := db.Begin(TxnFlagReadOnly)
	require.NoError(t, err)
	err = txn.Put(idx, []byte("a"), []byte("x"))
	assert.ErrorIs(t, err, ErrTxnReadOnly)
	assert.Equal(t, AbortReasonUser, txn.LastAbortReason())

	// 已中止的事务不再可用
	_, err = txn.Get(idx, []byte("a"))
	assert.ErrorIs(t, err, ErrTxnUnusable)
}

// 场景3: 同一key上的并发插入恰好一个提交成功
func TestTxn_WriteWriteConflict(t *testing.T) {
	for name, opts := range map[string]Options{"p1": p1Options(), "p2": DefaultOptions} {
		t.Run(name, func(t *testing.T) {
			db, idx := openDB(t, opts)

			t1, err := db.Begin(0)
			require.NoError(t, err)
			t2, err := db.Begin(0)
			require.NoError(t, err)

			require.NoError(t, t1.Put(idx, []byte("k"), []byte("1")))
			require.NoError(t, t2.Put(idx, []byte("k"), []byte("2")))

			ok, err := t1.Commit(false)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = t2.Commit(false)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, AbortReasonWriteNodeInterference, t2.LastAbortReason())
			assert.GreaterOrEqual(t, db.AbortCount(AbortReasonWriteNodeInterference), uint64(1))

			// 胜者的值可见
			value, err := mustGet(t, db, idx, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("1"), value)
		})
	}
}

// 场景4: 幻读检测，低层扫描模式靠叶版本
func TestTxn_PhantomNodeScan(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	t1, err := db.Begin(TxnFlagLowLevelScan)
	require.NoError(t, err)
	seen := 0
	require.NoError(t, t1.Scan(idx, []byte("a"), []byte("z"), func(key, value []byte) bool {
		seen++
		return true
	}))
	assert.Zero(t, seen)

	// 另一个事务在扫描过的区间里插入
	updateFromPeer(t, db, func(txn *Txn) error {
		return txn.Put(idx, []byte("m"), []byte("v"))
	})

	require.NoError(t, t1.Put(idx, []byte("x"), []byte("v")))
	ok, err := t1.Commit(false)
	require.NoError(t, err)
	assert.False(t, ok)
	reason := t1.LastAbortReason()
	assert.True(t, reason == AbortReasonNodeScanWriteVersionChanged ||
		reason == AbortReasonNodeScanReadVersionChanged, "reason=%s", reason)
}

// 场景4': 幻读检测，默认模式靠观测空区间
func TestTxn_PhantomAbsentRange(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	t1, err := db.Begin(0)
	require.NoError(t, err)
	require.NoError(t, t1.Scan(idx, []byte("a"), []byte("z"), func(key, value []byte) bool {
		return true
	}))

	updateFromPeer(t, db, func(txn *Txn) error {
		return txn.Put(idx, []byte("m"), []byte("v"))
	})

	require.NoError(t, t1.Put(idx, []byte("x"), []byte("v")))
	ok, err := t1.Commit(false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, AbortReasonReadAbsenceInterference, t1.LastAbortReason())
}

// 场景5: P1下并发外溢不影响已有快照的读
func TestTxn_SnapshotReadDuringSpillP1(t *testing.T) {
	db, idx := openDB(t, p1Options())

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("v0"))
	}))

	// T1激活并捕获快照S
	t1, err := db.Begin(0)
	require.NoError(t, err)
	_, err = t1.Get(idx, []byte("anchor"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// 12次提交让链增长并触发外溢回收
	for i := 1; i <= 12; i++ {
		value := []byte(fmt.Sprintf("v%d", i))
		updateFromPeer(t, db, func(txn *Txn) error {
			return txn.Put(idx, []byte("k"), value)
		})
	}

	value, err := t1.Get(idx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v0"), value, "snapshot read must see the value at S")
	require.NoError(t, t1.Abort())
}

// 场景6: P2跨epoch的写外溢出新版本，epoch字段随之推进
func TestTxn_EpochBoundaryP2(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("A"))
	}))
	require.Equal(t, 1, chainLen(idx, []byte("k")))
	e1 := data.EpochID(idx.idx.Find([]byte("k")).TID())

	db.WaitAnEpoch()

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("B"))
	}))
	// 跨epoch不允许原地覆盖，链上应当有两个版本
	assert.Equal(t, 2, chainLen(idx, []byte("k")))
	e2 := data.EpochID(idx.idx.Find([]byte("k")).TID())
	assert.Greater(t, e2, e1)

	value, err := mustGet(t, db, idx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), value)
}

// 往返律: put;commit;get / delete;commit;get / put;abort;get
func TestTxn_RoundTrip(t *testing.T) {
	for name, opts := range map[string]Options{"p1": p1Options(), "p2": DefaultOptions} {
		t.Run(name, func(t *testing.T) {
			db, idx := openDB(t, opts)

			require.NoError(t, db.Update(func(txn *Txn) error {
				return txn.Put(idx, []byte("k"), []byte("v"))
			}))
			value, err := mustGet(t, db, idx, []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), value)

			require.NoError(t, db.Update(func(txn *Txn) error {
				return txn.Delete(idx, []byte("k"))
			}))
			_, err = mustGet(t, db, idx, []byte("k"))
			assert.ErrorIs(t, err, ErrKeyNotFound)

			// 中止的写不可见
			txn, err := db.Begin(0)
			require.NoError(t, err)
			require.NoError(t, txn.Put(idx, []byte("k"), []byte("ghost")))
			require.NoError(t, txn.Abort())
			_, err = mustGet(t, db, idx, []byte("k"))
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

// P1: 所有事务结束且外溢回收跑过后链长不超过上限
func TestTxn_ChainCapP1(t *testing.T) {
	opts := p1Options()
	db, idx := openDB(t, opts)

	for i := 0; i < 30; i++ {
		require.NoError(t, db.Update(func(txn *Txn) error {
			return txn.Put(idx, []byte("k"), []byte(fmt.Sprintf("v%d", i)))
		}))
	}
	assert.LessOrEqual(t, chainLen(idx, []byte("k")), opts.NMaxChainLength)
}

// P2: 墓碑在下一个epoch之后被从索引摘除
func TestTxn_TombstoneUnlinkP2(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Delete(idx, []byte("k"))
	}))

	require.Eventually(t, func() bool {
		return idx.idx.Find([]byte("k")) == nil
	}, 5*time.Second, 5*time.Millisecond, "tombstone slot should be unlinked")

	_, err := mustGet(t, db, idx, []byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

// 墓碑被复活时挂起的摘除要干净地取消
func TestTxn_TombstoneRevive(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Delete(idx, []byte("k"))
	}))
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("revived"))
	}))

	db.WaitAnEpoch()
	db.WaitForEmptyWorkQueue()

	value, err := mustGet(t, db, idx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("revived"), value)
}

// 扫描的半开边界和本地写叠加
func TestTxn_ScanOverlay(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)
	require.NoError(t, db.Update(func(txn *Txn) error {
		for _, k := range []string{"a", "b", "c"} {
			if err := txn.Put(idx, []byte(k), []byte("v-"+k)); err != nil {
				return err
			}
		}
		return nil
	}))

	collect := func(txn *Txn, lo, hi []byte) map[string]string {
		out := make(map[string]string)
		require.NoError(t, txn.Scan(idx, lo, hi, func(key, value []byte) bool {
			out[string(key)] = string(value)
			return true
		}))
		return out
	}

	txn, err := db.Begin(0)
	require.NoError(t, err)
	defer txn.Abort()

	assert.Equal(t, map[string]string{"a": "v-a", "b": "v-b"}, collect(txn, []byte("a"), []byte("c")))

	// 本地写对自己的扫描可见，本地删除把key藏起来
	require.NoError(t, txn.Put(idx, []byte("ab"), []byte("local")))
	require.NoError(t, txn.Delete(idx, []byte("b")))
	assert.Equal(t, map[string]string{"a": "v-a", "ab": "local"}, collect(txn, []byte("a"), []byte("c")))
}

// 读到的版本在提交前被人覆盖：乐观读校验不收敛，以unstable-read中止
func TestTxn_UnstableRead(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("v1"))
	}))

	t1, err := db.Begin(0)
	require.NoError(t, err)
	_, err = t1.Get(idx, []byte("k"))
	require.NoError(t, err)

	t2, err := db.Begin(0)
	require.NoError(t, err)
	require.NoError(t, t2.Put(idx, []byte("k"), []byte("v2")))
	ok, err := t2.Commit(false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = t1.Commit(false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, AbortReasonUnstableRead, t1.LastAbortReason())
	assert.GreaterOrEqual(t, db.AbortCount(AbortReasonUnstableRead), uint64(1))
}

// epoch等待期间不允许本协程还挂着活跃事务
func TestDB_WaitAnEpochNestedRejected(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	txn, err := db.Begin(0)
	require.NoError(t, err)
	_, err = txn.Get(idx, []byte("k"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	assert.ErrorIs(t, db.WaitAnEpoch(), ErrNestedTxn)
	require.NoError(t, txn.Abort())
	assert.NoError(t, db.WaitAnEpoch())
}

// 落定后的事务只能报ErrTxnUnusable
func TestTxn_UnusableAfterResolve(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	txn, err := db.Begin(0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(idx, []byte("k"), []byte("v")))
	ok, err := txn.Commit(false)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = txn.Get(idx, []byte("k"))
	assert.ErrorIs(t, err, ErrTxnUnusable)
	err = txn.Put(idx, []byte("k"), []byte("v2"))
	assert.ErrorIs(t, err, ErrTxnUnusable)
	_, err = txn.Commit(false)
	assert.ErrorIs(t, err, ErrTxnUnusable)

	// 空事务平凡提交
	empty, err := db.Begin(0)
	require.NoError(t, err)
	ok, err = empty.Commit(false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTxn_CommitThrowOnAbort(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)

	t1, err := db.Begin(0)
	require.NoError(t, err)
	t2, err := db.Begin(0)
	require.NoError(t, err)
	require.NoError(t, t1.Put(idx, []byte("k"), []byte("1")))
	require.NoError(t, t2.Put(idx, []byte("k"), []byte("2")))

	ok, err := t1.Commit(true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = t2.Commit(true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTxnConflict)
}

// 并发计数器：所有成功提交串行化后计数准确
func Test_n_txn_con(t *testing.T) {
	for name, opts := range map[string]Options{"p1": p1Options(), "p2": DefaultOptions} {
		t.Run(name, func(t *testing.T) {
			db, idx := openDB(t, opts)
			require.NoError(t, db.Update(func(txn *Txn) error {
				return txn.Put(idx, []byte("balance"), []byte("0"))
			}))

			concurrency := 10
			var wg sync.WaitGroup
			wg.Add(concurrency)
			for i := 0; i < concurrency; i++ {
				go func() {
					defer wg.Done()
					for {
						txn, err := db.Begin(0)
						if err != nil {
							t.Error(err)
							return
						}
						v, err := txn.Get(idx, []byte("balance"))
						if err != nil {
							_ = txn.Abort()
							continue
						}
						n, _ := strconv.Atoi(string(v))
						if err := txn.Put(idx, []byte("balance"), []byte(strconv.Itoa(n+1))); err != nil {
							_ = txn.Abort()
							continue
						}
						ok, err := txn.Commit(false)
						if err != nil {
							t.Error(err)
							return
						}
						if ok {
							return
						}
						// 冲突重试
					}
				}()
			}
			wg.Wait()

			value, err := mustGet(t, db, idx, []byte("balance"))
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(concurrency), string(value))
		})
	}
}

func TestDB_DumpDebug(t *testing.T) {
	db, idx := openDB(t, DefaultOptions)
	require.NoError(t, db.Update(func(txn *Txn) error {
		return txn.Put(idx, []byte("k"), []byte("v"))
	}))
	assert.EqualValues(t, 1, db.CommitCount())

	dump := db.DumpDebug()
	assert.Contains(t, dump, "committed: 1")
	assert.Contains(t, dump, "index[test]")
}

func TestDB_MultiIndexCommitOrder(t *testing.T) {
	db, err := Open(DefaultOptions)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	users, err := db.CreateIndex("users")
	require.NoError(t, err)
	orders, err := db.CreateIndex("orders")
	require.NoError(t, err)

	// 跨索引的事务原子提交
	require.NoError(t, db.Update(func(txn *Txn) error {
		if err := txn.Put(orders, []byte("o1"), []byte("pending")); err != nil {
			return err
		}
		return txn.Put(users, []byte("u1"), []byte("alice"))
	}))

	v, err := mustGet(t, db, users, []byte("u1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), v)
	v, err = mustGet(t, db, orders, []byte("o1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), v)

	// 等一个epoch后一致快照也能看到
	db.WaitAnEpoch()
	require.NoError(t, db.View(func(txn *Txn) error {
		got, err := txn.Get(users, []byte("u1"))
		if err != nil {
			return err
		}
		assert.Equal(t, []byte("alice"), got)
		return nil
	}))
}
