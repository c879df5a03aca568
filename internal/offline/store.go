package offline

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBのキー配置:
//
//	n:<partition>                 パーティションの存在マーカー
//	e:<partition>\x00<cache key>  キャッシュエントリ（gob）
//	q:<queue>:v                   キューのスキーマバージョン
//	q:<queue>:seq                 キューの採番
//	q:<queue>:e:<id 20桁>         キューのエントリ（gob）
const (
	partitionPrefix = "n:"
	entryPrefix     = "e:"
	queuePrefix     = "q:"
)

// Entry はキャッシュに格納したレスポンス。
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response はエントリから新しいhttp.Responseを組み立てる。
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Store はキャッシュパーティションとオフラインキューを保持するLevelDBストア。
type Store struct {
	db *leveldb.DB

	queueMu sync.Mutex
}

// OpenStore はパスにLevelDBを開く。
func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open edge store: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore は開いたLevelDBからStoreを生成する。
func NewStore(db *leveldb.DB) *Store {
	return &Store{db: db}
}

// Close はストアを閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

func entryKey(partition, key string) []byte {
	return []byte(entryPrefix + partition + "\x00" + key)
}

// Put はエントリを書き込む。パーティションは初回書き込み時に作られ、
// 同じキーのエントリは丸ごと上書きされる。
func (s *Store) Put(partition, key string, e *Entry) error {
	return s.PutAll(partition, map[string]*Entry{key: e})
}

// PutAll は複数のエントリを1つのバッチで書き込む。全件が書かれるか、何も書かれないかのどちらか。
func (s *Store) PutAll(partition string, entries map[string]*Entry) error {
	batch := new(leveldb.Batch)
	batch.Put([]byte(partitionPrefix+partition), nil)
	for key, e := range entries {
		b, err := encodeGob(e)
		if err != nil {
			return fmt.Errorf("failed to encode cache entry %q: %w", key, err)
		}
		batch.Put(entryKey(partition, key), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to write partition %q: %w", partition, err)
	}
	return nil
}

// Get はパーティションからエントリを取得する。存在しない場合はnil, nilを返す。
func (s *Store) Get(partition, key string) (*Entry, error) {
	b, err := s.db.Get(entryKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var e Entry
	if err := decodeGob(b, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &e, nil
}

// Match はパーティションを順に探し、最初に見つかったエントリとそのパーティション名を返す。
func (s *Store) Match(key string, partitions []string) (*Entry, string, error) {
	for _, p := range partitions {
		e, err := s.Get(p, key)
		if err != nil {
			return nil, "", err
		}
		if e != nil {
			return e, p, nil
		}
	}
	return nil, "", nil
}

// Partitions は存在するパーティション名を返す。
func (s *Store) Partitions() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(partitionPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(partitionPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	return names, nil
}

// DeletePartition はパーティションとその全エントリを削除する。
func (s *Store) DeletePartition(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(partitionPrefix + name))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+"\x00")), nil)
	for it.Next() {
		batch.Delete(bytes.Clone(it.Key()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("failed to scan partition %q: %w", name, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to delete partition %q: %w", name, err)
	}
	return nil
}

// CountEntries はパーティションのエントリ数を返す。
func (s *Store) CountEntries(partition string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+partition+"\x00")), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
