package offline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// キューの名前とスキーマバージョン
const (
	SubmissionQueueName    = "offline-submissions"
	SubmissionQueueVersion = 2
)

// Submission はオフライン中に受け付けた問い合わせ。
// Dataは受け付けたリクエストボディをそのまま保持する。
// ClientIPは再送時に X-Forwarded-For として送り、送信者単位のレート制限を保つ。
type Submission struct {
	ID       uint64
	Data     []byte
	ClientIP string
	Created  time.Time
	Attempts int
}

// Queue はLevelDB上の自動採番キュー。
type Queue struct {
	db     *leveldb.DB
	name   string
	prefix string

	// seqMu は同じストアから開いたキュー間で採番を直列化する。
	seqMu *sync.Mutex
}

// OpenQueue は名前とバージョンを指定してキューを開く。
// スキーマが存在しない場合のみ作成し、保存済みのバージョンが要求より新しい場合はエラーを返す。
func (s *Store) OpenQueue(name string, version uint32) (*Queue, error) {
	prefix := queuePrefix + name + ":"
	versionKey := []byte(prefix + "v")

	b, err := s.db.Get(versionKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], version)
		if err := s.db.Put(versionKey, v[:], nil); err != nil {
			return nil, fmt.Errorf("failed to create queue %q: %w", name, err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to open queue %q: %w", name, err)
	case len(b) != 4:
		return nil, fmt.Errorf("queue %q has a corrupt version marker", name)
	default:
		stored := binary.BigEndian.Uint32(b)
		if stored > version {
			return nil, fmt.Errorf("queue %q is at version %d, newer than requested %d", name, stored, version)
		}
		if stored < version {
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], version)
			if err := s.db.Put(versionKey, v[:], nil); err != nil {
				return nil, fmt.Errorf("failed to upgrade queue %q: %w", name, err)
			}
		}
	}

	return &Queue{db: s.db, name: name, prefix: prefix, seqMu: &s.queueMu}, nil
}

func (q *Queue) entryKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%se:%020d", q.prefix, id))
}

// Enqueue はデータを送信元IPとともに末尾に追加し、採番した送信を返す。
func (q *Queue) Enqueue(data []byte, clientIP string, now time.Time) (*Submission, error) {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()

	seqKey := []byte(q.prefix + "seq")
	var next uint64 = 1
	b, err := q.db.Get(seqKey, nil)
	switch {
	case err == nil && len(b) == 8:
		next = binary.BigEndian.Uint64(b) + 1
	case err != nil && !errors.Is(err, leveldb.ErrNotFound):
		return nil, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	sub := &Submission{ID: next, Data: bytes.Clone(data), ClientIP: clientIP, Created: now}
	enc, err := encodeGob(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submission: %w", err)
	}

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], next)

	batch := new(leveldb.Batch)
	batch.Put(seqKey, seq[:])
	batch.Put(q.entryKey(next), enc)
	if err := q.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("failed to enqueue submission: %w", err)
	}
	return sub, nil
}

// Pending はキューに残っている送信をID順に返す。
func (q *Queue) Pending() ([]*Submission, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(q.prefix+"e:")), nil)
	defer it.Release()

	var subs []*Submission
	for it.Next() {
		var s Submission
		if err := decodeGob(it.Value(), &s); err != nil {
			return nil, fmt.Errorf("failed to decode submission %q: %w", it.Key(), err)
		}
		subs = append(subs, &s)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return subs, nil
}

// Update は送信の試行回数などを書き戻す。
func (q *Queue) Update(sub *Submission) error {
	enc, err := encodeGob(sub)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}
	if err := q.db.Put(q.entryKey(sub.ID), enc, nil); err != nil {
		return fmt.Errorf("failed to update submission %d: %w", sub.ID, err)
	}
	return nil
}

// Delete は送信を削除する。
func (q *Queue) Delete(id uint64) error {
	if err := q.db.Delete(q.entryKey(id), nil); err != nil {
		return fmt.Errorf("failed to delete submission %d: %w", id, err)
	}
	return nil
}

// Len はキューに残っている件数を返す。
func (q *Queue) Len() (int, error) {
	subs, err := q.Pending()
	return len(subs), err
}
