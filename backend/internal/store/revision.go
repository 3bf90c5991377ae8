package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"

	"docsync/backend/internal/ot/delta"
)

var (
	ErrOutOfOrder       = errors.New("OUT_OF_ORDER")
	ErrChecksumMismatch = errors.New("CHECKSUM_MISMATCH")
	ErrNotFound         = errors.New("NOT_FOUND")
	ErrInvalidState     = errors.New("INVALID_STATE")
)

// State 是修订记录的生命周期：编辑后为 Local，交给传输后为 Sync，authority 确认 id 后为 Acked
type State int

const (
	StateLocal State = iota
	StateSync
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateLocal:
		return "local"
	case StateSync:
		return "sync"
	case StateAcked:
		return "acked"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Revision struct {
	DocumentID     string
	RevisionID     int64
	BaseRevisionID int64
	Delta          delta.Delta
	Checksum       uint32
	// 提议该修订的客户端实例；同一用户可有多个 clientId
	ClientID string
}

// ComputeChecksum 对修订内容求哈希，clientId 不算内容
func (r Revision) ComputeChecksum() (uint32, error) {
	raw, err := delta.Encode(r.Delta)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	var num [8]byte
	h.Write([]byte(r.DocumentID))
	binary.BigEndian.PutUint64(num[:], uint64(r.RevisionID))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], uint64(r.BaseRevisionID))
	h.Write(num[:])
	h.Write(raw)
	return h.Sum32(), nil
}

// Seal 返回重新计算校验和后的 r
func (r Revision) Seal() (Revision, error) {
	sum, err := r.ComputeChecksum()
	if err != nil {
		return r, err
	}
	r.Checksum = sum
	return r, nil
}

func (r Revision) Verify() error {
	sum, err := r.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != r.Checksum {
		return fmt.Errorf("doc %s rev %d: stored %08x computed %08x: %w",
			r.DocumentID, r.RevisionID, r.Checksum, sum, ErrChecksumMismatch)
	}
	return nil
}

type Record struct {
	Revision Revision
	State    State
	// 压缩检查点；其 delta 是从空文档构造出的、RevisionID 处的完整文档
	Snapshot bool
	// 客户端提交时的原始 id 和校验和，重启后靠它们识别重传
	ProposedID       int64
	ProposedChecksum uint32
}

func (r Record) ID() int64 { return r.Revision.RevisionID }

// persisted 是记录落盘的格式
type persisted struct {
	DocumentID     string `json:"docId"`
	RevisionID     int64  `json:"revisionId"`
	BaseRevisionID int64  `json:"baseRevisionId"`
	Delta          []byte `json:"delta"`
	Checksum       uint32 `json:"checksum"`
	ClientID       string `json:"clientId,omitempty"`
	State          State  `json:"state"`
	Snapshot       bool   `json:"snapshot,omitempty"`
	// 不参与校验和，只给去重用
	ProposedID       int64  `json:"proposedId,omitempty"`
	ProposedChecksum uint32 `json:"proposedChecksum,omitempty"`
}

func marshalRecord(rec Record) ([]byte, error) {
	raw, err := delta.Encode(rec.Revision.Delta)
	if err != nil {
		return nil, err
	}
	return json.Marshal(persisted{
		DocumentID:     rec.Revision.DocumentID,
		RevisionID:     rec.Revision.RevisionID,
		BaseRevisionID: rec.Revision.BaseRevisionID,
		Delta:          raw,
		Checksum:       rec.Revision.Checksum,
		ClientID:       rec.Revision.ClientID,
		State:          rec.State,
		Snapshot:       rec.Snapshot,

		ProposedID:       rec.ProposedID,
		ProposedChecksum: rec.ProposedChecksum,
	})
}

// unmarshalRecord 解码并校验存储的记录
func unmarshalRecord(b []byte) (Record, error) {
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		return Record{}, fmt.Errorf("decode record: %v: %w", err, ErrChecksumMismatch)
	}
	d, err := delta.Decode(p.Delta)
	if err != nil {
		return Record{}, fmt.Errorf("decode delta rev %d: %v: %w", p.RevisionID, err, ErrChecksumMismatch)
	}
	rec := Record{
		Revision: Revision{
			DocumentID:     p.DocumentID,
			RevisionID:     p.RevisionID,
			BaseRevisionID: p.BaseRevisionID,
			Delta:          d,
			Checksum:       p.Checksum,
			ClientID:       p.ClientID,
		},
		State:            p.State,
		Snapshot:         p.Snapshot,
		ProposedID:       p.ProposedID,
		ProposedChecksum: p.ProposedChecksum,
	}
	if err := rec.Revision.Verify(); err != nil {
		return Record{}, err
	}
	return rec, nil
}
