package OccDB

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"OccDB/data"
	"OccDB/index"
)

type ProtocolType = int8

const (
	// ProtoGlobalTid 协议P1：全局一致的提交时间戳
	ProtoGlobalTid ProtocolType = iota + 1
	// ProtoEpoch 协议P2：按epoch分段的时间戳加异步回收
	ProtoEpoch
)

type IndexerType = int8

const (
	BTree  IndexerType = index.Btree
	ARTree IndexerType = index.ART
)

type Options struct {
	ProtocolType    ProtocolType  // 提交协议
	IndexerType     IndexerType   // 内存索引类型
	NMaxChainLength int           // P1下版本链的长度上限
	NMaxCores       int           // core槽数量，决定P2的并发分段数
	EpochInterval   time.Duration // P2 epoch推进间隔
	RcuInterval     time.Duration // 延迟回收的宽限期扫描间隔
	MaxTxnRetries   int           // Update闭包遇冲突时的最大尝试次数（含首次）
}

// ServerConfig 服务入口的监听配置，可以从yaml文件加载
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type IteratorOptions struct {
	// 遍历前缀为指定前缀的Key
	Prefix []byte
	// 是否可逆
	Reverse bool
}

// DefaultOptions 一个默认的options
var DefaultOptions = Options{
	ProtocolType:    ProtoEpoch,
	IndexerType:     BTree,
	NMaxChainLength: 10,
	NMaxCores:       64,
	EpochInterval:   10 * time.Millisecond,
	RcuInterval:     10 * time.Millisecond,
	MaxTxnRetries:   8,
}

// DefaultIteratorOptions 一个默认的索引迭代器
var DefaultIteratorOptions = IteratorOptions{
	Prefix:  nil,
	Reverse: false,
}

var DefaultServerConfig = ServerConfig{
	Host:     "127.0.0.1",
	Port:     "6380",
	LogLevel: "info",
}

// LoadServerConfig 从yaml文件解析服务配置
func LoadServerConfig(path string) (*ServerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultServerConfig
	if err := yaml.Unmarshal(buf, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func checkOptions(options Options) error {
	if options.ProtocolType != ProtoGlobalTid && options.ProtocolType != ProtoEpoch {
		return ErrInvalidOptions
	}
	if options.IndexerType != BTree && options.IndexerType != ARTree {
		return ErrInvalidOptions
	}
	if options.NMaxChainLength < 1 {
		return ErrInvalidOptions
	}
	if options.NMaxCores < 1 || options.NMaxCores > data.NMaxCores {
		return ErrInvalidOptions
	}
	if options.EpochInterval <= 0 || options.RcuInterval <= 0 {
		return ErrInvalidOptions
	}
	if options.MaxTxnRetries < 1 {
		return ErrInvalidOptions
	}
	return nil
}
