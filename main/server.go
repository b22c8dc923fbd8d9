package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/redcon"

	"OccDB"
	"OccDB/logger"
	occdb_redis "OccDB/main/redis"
)

func newWrongNumberOfArgsError(cmd string) error {
	return fmt.Errorf("ERR wrong number of arguments for '%s' command", cmd)
}

type cmdHandler func(cli *OccDBClient, args [][]byte) (interface{}, error)

var supportedCommands = map[string]cmdHandler{
	"set":  set,
	"get":  get,
	"del":  del,
	"scan": scanRange,
	"dump": dump,
	"ping": ping,
}

type OccDBServer struct {
	db     *occdb_redis.RedisDataStructure
	server *redcon.Server
}

type OccDBClient struct {
	server *OccDBServer
	db     *occdb_redis.RedisDataStructure
}

func main() {
	configPath := flag.String("config", "", "server config yaml")
	flag.Parse()

	config := OccDB.DefaultServerConfig
	if *configPath != "" {
		loaded, err := OccDB.LoadServerConfig(*configPath)
		if err != nil {
			logger.Errorf("load config failed: %v", err)
			return
		}
		config = *loaded
	}
	logger.InitLogger(config.LogLevel)

	rds, err := occdb_redis.NewRedisDataStructure(OccDB.DefaultOptions)
	if err != nil {
		logger.Errorf("open database failed: %v", err)
		return
	}
	defer rds.Close()

	occdbServer := &OccDBServer{db: rds}
	addr := config.Host + ":" + config.Port
	occdbServer.server = redcon.NewServer(addr, execClientCommand, occdbServer.accept, occdbServer.closed)

	logger.Infof("occdb server listening at %s", addr)
	if err := occdbServer.server.ListenAndServe(); err != nil {
		logger.Errorf("server exited: %v", err)
	}
}

func (svr *OccDBServer) accept(conn redcon.Conn) bool {
	cli := &OccDBClient{server: svr, db: svr.db}
	conn.SetContext(cli)
	return true
}

func (svr *OccDBServer) closed(conn redcon.Conn, err error) {
}

func execClientCommand(conn redcon.Conn, cmd redcon.Command) {
	command := strings.ToLower(string(cmd.Args[0]))
	if command == "quit" {
		_ = conn.Close()
		return
	}
	cmdFunc, ok := supportedCommands[command]
	if !ok {
		conn.WriteError("ERR unsupported command: '" + command + "'")
		return
	}

	cli := conn.Context().(*OccDBClient)
	res, err := cmdFunc(cli, cmd.Args[1:])
	if err != nil {
		if errors.Is(err, OccDB.ErrKeyNotFound) {
			conn.WriteNull()
		} else {
			conn.WriteError(err.Error())
		}
		return
	}
	conn.WriteAny(res)
}

func ping(cli *OccDBClient, args [][]byte) (interface{}, error) {
	return "PONG", nil
}

func set(cli *OccDBClient, args [][]byte) (interface{}, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, newWrongNumberOfArgsError("set")
	}
	key, value := args[0], args[1]
	var ttl time.Duration
	if len(args) == 3 {
		seconds, err := time.ParseDuration(string(args[2]) + "s")
		if err != nil {
			return nil, err
		}
		ttl = seconds
	}
	if err := cli.db.Set(key, ttl, value); err != nil {
		return nil, err
	}
	return redcon.SimpleString("OK"), nil
}

func get(cli *OccDBClient, args [][]byte) (interface{}, error) {
	if len(args) != 1 {
		return nil, newWrongNumberOfArgsError("get")
	}
	return cli.db.Get(args[0])
}

func del(cli *OccDBClient, args [][]byte) (interface{}, error) {
	if len(args) != 1 {
		return nil, newWrongNumberOfArgsError("del")
	}
	if err := cli.db.Del(args[0]); err != nil {
		return nil, err
	}
	return redcon.SimpleString("OK"), nil
}

// scan lo hi：遍历引擎的[lo, hi)区间，返回key value交错的数组
func scanRange(cli *OccDBClient, args [][]byte) (interface{}, error) {
	if len(args) != 2 {
		return nil, newWrongNumberOfArgsError("scan")
	}
	db := cli.db.DB()
	idx, err := db.Index("kv")
	if err != nil {
		return nil, err
	}
	var out [][]byte
	err = db.View(func(txn *OccDB.Txn) error {
		return txn.Scan(idx, args[0], args[1], func(key, value []byte) bool {
			out = append(out, append([]byte(nil), key...), append([]byte(nil), value...))
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func dump(cli *OccDBClient, args [][]byte) (interface{}, error) {
	return cli.db.DB().DumpDebug(), nil
}
