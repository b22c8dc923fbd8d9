package redis

import (
	"encoding/binary"
	"errors"
	"time"

	"OccDB"
)

type RedisDataType = byte

var (
	ErrWrongTypeOperation = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
)

const (
	String RedisDataType = iota
)

// 事务引擎上的redis数据结构层，value编码为 type + expire + payload。
// 引擎本身只有字节串，复杂数据类型的schema层不在这一侧。
type RedisDataStructure struct {
	db  *OccDB.DB
	idx *OccDB.Index
}

func NewRedisDataStructure(options OccDB.Options) (*RedisDataStructure, error) {
	db, err := OccDB.Open(options)
	if err != nil {
		return nil, err
	}
	idx, err := db.CreateIndex("kv")
	if err != nil {
		return nil, err
	}
	return &RedisDataStructure{db: db, idx: idx}, nil
}

func (rds *RedisDataStructure) Close() error {
	return rds.db.Close()
}

func (rds *RedisDataStructure) DB() *OccDB.DB {
	return rds.db
}

// ===================================String 数据结构===================================================

func (rds *RedisDataStructure) Set(key []byte, ttl time.Duration, value []byte) error {
	if value == nil {
		return nil
	}
	// 编码 key -> (type + expired + payload)
	buf := make([]byte, binary.MaxVarintLen64+1)
	buf[0] = String
	var index = 1
	var expire int64 = 0
	if ttl != 0 {
		expire = time.Now().Add(ttl).UnixNano()
	}
	index += binary.PutVarint(buf[index:], expire)
	encValue := make([]byte, index+len(value))
	copy(encValue[:index], buf[:index])
	copy(encValue[index:], value)

	return rds.db.Update(func(txn *OccDB.Txn) error {
		return txn.Put(rds.idx, key, encValue)
	})
}

func (rds *RedisDataStructure) Get(key []byte) ([]byte, error) {
	var encValue []byte
	err := rds.db.View(func(txn *OccDB.Txn) error {
		v, err := txn.Get(rds.idx, key)
		if err != nil {
			return err
		}
		encValue = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 对编码数据进行解码
	var index = 1
	dataType := encValue[0]
	if dataType != String {
		return nil, ErrWrongTypeOperation
	}
	expire, n := binary.Varint(encValue[index:])
	index += n
	// 判断是否过期
	if expire > 0 && expire <= time.Now().UnixNano() {
		return nil, OccDB.ErrKeyNotFound
	}
	return encValue[index:], nil
}

func (rds *RedisDataStructure) Del(key []byte) error {
	return rds.db.Update(func(txn *OccDB.Txn) error {
		return txn.Delete(rds.idx, key)
	})
}

func (rds *RedisDataStructure) Type(key []byte) (RedisDataType, error) {
	var encValue []byte
	err := rds.db.View(func(txn *OccDB.Txn) error {
		v, err := txn.Get(rds.idx, key)
		if err != nil {
			return err
		}
		encValue = v
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(encValue) == 0 {
		return 0, errors.New("value is empty")
	}
	// 把数据拿出来，第一个字节就是相关的内容了
	return encValue[0], nil
}
