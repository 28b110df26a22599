// Package secretstore 基于 Badger 的本地加密 KV，保存跨重启的会话凭证和账户快照。
// 加密由 Badger 的 EncryptionKey 完成（value log + key registry），本包只做封装。
package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

var (
	ErrNotOpened = errors.New("secretstore: not opened")
	ErrEmptyKey  = errors.New("secretstore: key is empty")
)

type OpenOptions struct {
	Path string
	// EncryptionKey AES key，16/24/32 字节；为空时不加密
	EncryptionKey []byte
	// Namespace 所有 key 的前缀，多个账户共用一个目录时区分
	Namespace string
	InMemory  bool // 测试用，忽略 Path
}

type Store struct {
	db *badger.DB
	ns string
}

func Open(opts OpenOptions) (*Store, error) {
	var bopts badger.Options
	switch {
	case opts.InMemory:
		bopts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(opts.Path) == "":
		return nil, errors.New("secretstore: path is required")
	default:
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(nil)
	if len(opts.EncryptionKey) > 0 {
		// 加密库必须配置 index cache
		bopts = bopts.WithEncryptionKey(opts.EncryptionKey).WithIndexCacheSize(16 << 20)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "secretstore: open %s", opts.Path)
	}
	ns := strings.TrimSpace(opts.Namespace)
	if ns != "" && !strings.HasSuffix(ns, "/") {
		ns += "/"
	}
	return &Store{db: db, ns: ns}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) key(key string) ([]byte, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotOpened
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrEmptyKey
	}
	return []byte(s.ns + key), nil
}

// Get found=false 表示 key 不存在；空字符串值算存在
func (s *Store) Get(key string) (value string, found bool, err error) {
	k, err := s.key(key)
	if err != nil {
		return "", false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, found, err
}

func (s *Store) Set(key, value string) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(value))
	})
}

// Remove 删除不存在的 key 不报错
func (s *Store) Remove(key string) error {
	k, err := s.key(key)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Keys 当前命名空间下以 prefix 开头的 key（不含命名空间前缀）
func (s *Store) Keys(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotOpened
	}
	full := []byte(s.ns + prefix)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), s.ns))
		}
		return nil
	})
	return keys, err
}

// ParseKey 解析 hex（可带 0x）或 base64 编码的 16/24/32 字节 key，空串返回 nil
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, errors.New("secretstore: key must be hex or base64")
	}
	switch len(b) {
	case 16, 24, 32:
		return b, nil
	}
	return nil, fmt.Errorf("secretstore: key length must be 16, 24 or 32 bytes, got %d", len(b))
}
