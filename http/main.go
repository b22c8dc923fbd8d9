package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	OccDB "OccDB"
	"OccDB/logger"
)

var db *OccDB.DB
var idx *OccDB.Index

func init() {
	// 初始化 DB 实例
	var err error
	db, err = OccDB.Open(OccDB.DefaultOptions)
	if err != nil {
		panic(fmt.Sprintf("failed to open db: %v", err))
	}
	idx, err = db.CreateIndex("kv")
	if err != nil {
		panic(fmt.Sprintf("failed to create index: %v", err))
	}
	logger.Info("database created successfully")
}

func handlePut(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var kv map[string]string
	if err := json.NewDecoder(request.Body).Decode(&kv); err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		logger.Errorf("failed to decode request body: %v", err)
		return
	}

	err := db.Update(func(txn *OccDB.Txn) error {
		for key, value := range kv {
			if err := txn.Put(idx, []byte(key), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		logger.Errorf("failed to put kv: %v", err)
		return
	}
	_ = json.NewEncoder(writer).Encode("OK")
}

func handleGet(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := request.URL.Query().Get("key")
	var value []byte
	err := db.View(func(txn *OccDB.Txn) error {
		v, err := txn.Get(idx, []byte(key))
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		if err == OccDB.ErrKeyNotFound {
			http.Error(writer, "key not found", http.StatusNotFound)
			return
		}
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(writer).Encode(string(value))
}

func handleDelete(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodDelete {
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := request.URL.Query().Get("key")
	err := db.Update(func(txn *OccDB.Txn) error {
		return txn.Delete(idx, []byte(key))
	})
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(writer).Encode("OK")
}

func handleScan(writer http.ResponseWriter, request *http.Request) {
	lo := request.URL.Query().Get("lo")
	hi := request.URL.Query().Get("hi")
	var hiBytes []byte
	if hi != "" {
		hiBytes = []byte(hi)
	}
	result := make(map[string]string)
	err := db.View(func(txn *OccDB.Txn) error {
		return txn.Scan(idx, []byte(lo), hiBytes, func(key, value []byte) bool {
			result[string(key)] = string(value)
			return true
		})
	})
	if err != nil {
		http.Error(writer, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(writer).Encode(result)
}

func handleStat(writer http.ResponseWriter, request *http.Request) {
	_ = json.NewEncoder(writer).Encode(db.DumpDebug())
}

func main() {
	http.HandleFunc("/occdb/put", handlePut)
	http.HandleFunc("/occdb/get", handleGet)
	http.HandleFunc("/occdb/delete", handleDelete)
	http.HandleFunc("/occdb/scan", handleScan)
	http.HandleFunc("/occdb/stat", handleStat)

	logger.Info("http server listening at 127.0.0.1:8080")
	if err := http.ListenAndServe("127.0.0.1:8080", nil); err != nil {
		logger.Errorf("http server exited: %v", err)
	}
}
