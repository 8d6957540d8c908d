package storage

import (
	"fmt"
)

type StorageType string

const (
	Local StorageType = "local"
	MinDB StorageType = "mindb"
)

type storageFn func(string) (Storage, error)

var factory = make(map[StorageType]storageFn)

func Register(st StorageType, fn storageFn) {
	if _, ok := factory[st]; ok {
		return
	}
	factory[st] = fn
}

func Create(storeType StorageType, path string) (Storage, error) {
	if fn, ok := factory[storeType]; ok {
		return fn(path)
	}
	return nil, fmt.Errorf("unsupported storage type: %s", storeType)
}
