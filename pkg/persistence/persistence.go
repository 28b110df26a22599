// Package persistence 本地快照存储。数据外包一层带 schema 版本的信封，
// 版本不一致的旧快照按不存在处理，由上层重新拉取。
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "persistence")

// SchemaVersion 信封格式版本，快照结构不兼容变更时递增
const SchemaVersion = 1

// ErrNotExists 快照不存在（含 schema 不匹配）
var ErrNotExists = errors.New("persistence data not exists")

// Service 按 key 创建存储
type Service interface {
	NewStore(prefix, id, tag string) Store
}

// Store 单个 key 的快照存储
type Store interface {
	Save(data any) error
	Load(data any) error
	Remove() error
}

type envelope struct {
	Schema  int             `json:"schema"`
	Key     string          `json:"key"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

func storeKey(prefix, id, tag string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, id, tag)
}

func encode(key string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s", key)
	}
	return json.MarshalIndent(envelope{Schema: SchemaVersion, Key: key, SavedAt: time.Now().UTC(), Data: raw}, "", "  ")
}

func decode(key string, b []byte, data any) error {
	if len(b) == 0 {
		return ErrNotExists
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	if env.Schema != SchemaVersion || len(env.Data) == 0 {
		log.Warnf("丢弃 %s：schema=%d，当前=%d", key, env.Schema, SchemaVersion)
		return ErrNotExists
	}
	return errors.Wrapf(json.Unmarshal(env.Data, data), "decode %s data", key)
}

// JSONFileService 每个 key 一个 JSON 文件
type JSONFileService struct {
	baseDir string
}

func NewJSONFileService(baseDir string) *JSONFileService {
	return &JSONFileService{baseDir: baseDir}
}

// NewStore key 形如 "account:<user>:snapshot"
func (s *JSONFileService) NewStore(prefix, id, tag string) Store {
	return &JSONFileStore{baseDir: s.baseDir, key: storeKey(prefix, id, tag)}
}

type JSONFileStore struct {
	baseDir string
	key     string
}

var keySanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (s *JSONFileStore) path() string {
	return filepath.Join(s.baseDir, keySanitizer.ReplaceAllString(s.key, "_")+".json")
}

// Save 先写 tmp 再 rename，不会留下半截文件
func (s *JSONFileStore) Save(data any) error {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	b, err := encode(s.key, data)
	if err != nil {
		return err
	}
	path := s.path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSONFileStore) Load(data any) error {
	b, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return ErrNotExists
	}
	if err != nil {
		return err
	}
	return decode(s.key, b, data)
}

func (s *JSONFileStore) Remove() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// KV 字符串 KV（secretstore 满足），快照与凭证可共用一个加密库
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

type KVService struct {
	kv KV
}

func NewKVService(kv KV) *KVService {
	return &KVService{kv: kv}
}

func (s *KVService) NewStore(prefix, id, tag string) Store {
	return &KVStore{kv: s.kv, key: "snapshot." + storeKey(prefix, id, tag)}
}

type KVStore struct {
	kv  KV
	key string
}

func (s *KVStore) Save(data any) error {
	b, err := encode(s.key, data)
	if err != nil {
		return err
	}
	return s.kv.Set(s.key, string(b))
}

func (s *KVStore) Load(data any) error {
	v, ok, err := s.kv.Get(s.key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotExists
	}
	return decode(s.key, []byte(v), data)
}

func (s *KVStore) Remove() error {
	return s.kv.Remove(s.key)
}
