package OccDB

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"OccDB/index"
	"OccDB/logger"
	"OccDB/rcu"
)

// DB 事务引擎实例：持有命名索引、提交协议单例、活跃快照水位线
// 和延迟回收域。协议和回收域在Open时建立，Close按相反顺序拆除。
type DB struct {
	mu        *sync.RWMutex
	options   Options
	indexes   map[string]*Index
	proto     protocol
	tracker   *tracker
	wm        *watermark
	rcuDomain *rcu.Domain
	nextSlot  atomic.Uint32
	closed    bool

	// 每个协程上活跃事务的计数，用于拒绝嵌套事务
	activeMu sync.Mutex
	activeG  map[uint64]int
}

// goroutineID 从运行时栈帧头解析当前协程id
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[1], 10, 64)
	return id
}

func (db *DB) registerActive(gid uint64) {
	db.activeMu.Lock()
	db.activeG[gid]++
	db.activeMu.Unlock()
}

func (db *DB) unregisterActive(gid uint64) {
	db.activeMu.Lock()
	if db.activeG[gid] <= 1 {
		delete(db.activeG, gid)
	} else {
		db.activeG[gid]--
	}
	db.activeMu.Unlock()
}

func (db *DB) hasActiveTxn(gid uint64) bool {
	db.activeMu.Lock()
	defer db.activeMu.Unlock()
	return db.activeG[gid] > 0
}

// Index 引擎里的一个命名有序索引。名字参与提交时的全局锁序。
type Index struct {
	name string
	idx  index.Indexer
}

func (i *Index) Name() string {
	return i.name
}

// Open 按照options启动引擎
func Open(options Options) (*DB, error) {
	// 对用户传入的数据进行校验
	if err := checkOptions(options); err != nil {
		return nil, err
	}
	db := &DB{
		mu:        new(sync.RWMutex),
		options:   options,
		indexes:   make(map[string]*Index),
		tracker:   newTracker(),
		wm:        newWatermark(),
		rcuDomain: rcu.NewDomain(options.RcuInterval),
		activeG:   make(map[uint64]int),
	}
	switch options.ProtocolType {
	case ProtoGlobalTid:
		db.proto = newProtoGlobalTid(db)
	case ProtoEpoch:
		db.proto = newProtoEpoch(db)
	}
	logger.Infof("occdb opened: protocol=%d indexer=%d cores=%d", options.ProtocolType, options.IndexerType, options.NMaxCores)
	return db, nil
}

// CreateIndex 建立命名索引，已存在时直接返回现有的
func (db *DB) CreateIndex(name string) (*Index, error) {
	if name == "" {
		return nil, ErrInvalidOptions
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	if idx, ok := db.indexes[name]; ok {
		return idx, nil
	}
	idx := &Index{name: name, idx: index.NewIndexer(db.options.IndexerType)}
	db.indexes[name] = idx
	return idx, nil
}

// Index 查找命名索引
func (db *DB) Index(name string) (*Index, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	idx, ok := db.indexes[name]
	if !ok {
		return nil, ErrIndexNotFound
	}
	return idx, nil
}

// Begin 开启一个事务。事务创建时处于Embryo态，
// 第一次操作时才真正激活并捕获快照。
func (db *DB) Begin(flags uint64) (*Txn, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrDatabaseClosed
	}
	slot := int(db.nextSlot.Add(1)-1) % db.options.NMaxCores
	return &Txn{
		db:       db,
		state:    txnEmbryo,
		flags:    flags,
		coreSlot: slot,
		ctxs:     make(map[*Index]*txnContext),
	}, nil
}

// WaitAnEpoch 阻塞到下一个一致epoch发布，P1下是空操作。
// 调用协程还有活跃事务时拒绝：epoch等待期间的嵌套事务不被支持。
func (db *DB) WaitAnEpoch() error {
	p, ok := db.proto.(*protoEpoch)
	if !ok {
		return nil
	}
	if db.hasActiveTxn(goroutineID()) {
		return ErrNestedTxn
	}
	p.WaitAnEpoch()
	return nil
}

// WaitForEmptyWorkQueue 阻塞到延迟工作队列排空，P1下是空操作
func (db *DB) WaitForEmptyWorkQueue() {
	if p, ok := db.proto.(*protoEpoch); ok {
		p.WaitForEmptyWorkQueue()
	}
}

// AbortCount 指定原因的中止事件计数
func (db *DB) AbortCount(r AbortReason) uint64 {
	return db.tracker.abortCount(r)
}

// CommitCount 成功提交的事务数
func (db *DB) CommitCount() uint64 {
	return db.tracker.committed.Load()
}

// DumpDebug 渲染引擎当前的可观测状态
func (db *DB) DumpDebug() string {
	var b strings.Builder
	b.WriteString(db.tracker.dump())
	db.mu.RLock()
	for name, idx := range db.indexes {
		fmt.Fprintf(&b, "index[%s]: %d slots\n", name, idx.idx.Size())
	}
	db.mu.RUnlock()
	fmt.Fprintf(&b, "active txns: %d\n", db.wm.Active())
	fmt.Fprintf(&b, "rcu pending: %d\n", db.rcuDomain.Pending())
	return b.String()
}

// Close 关闭引擎：先停协议（epoch推进协程和工作队列），
// 再停回收域。活跃事务需要在这之前落定。
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if err := db.proto.Close(); err != nil {
		return err
	}
	if err := db.rcuDomain.Close(); err != nil {
		return err
	}
	for _, idx := range db.indexes {
		if err := idx.idx.Close(); err != nil {
			return err
		}
	}
	logger.Info("occdb closed")
	return nil
}
