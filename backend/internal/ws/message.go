package ws

import (
	"errors"
	"fmt"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

const (
	TypeRevision       = "revision"
	TypeHeartbeat      = "heartbeat"
	TypeAck            = "ack"
	TypeReject         = "reject"
	TypeResyncRequest  = "resync_request"
	TypeResyncResponse = "resync_response"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeError          = "error"
)

// 拒绝码
const (
	CodeBaseMismatch     = "BASE_MISMATCH"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeInvalid          = "INVALID"
	CodeBusy             = "BUSY"
)

// Envelope 是双向通用的帧结构，Type 决定哪些字段有意义
//
//	revision        {docId, revision}            client -> server, server -> subscribers
//	ack             {docId, revisionId}          server -> submitter
//	reject          {docId, revisionId, code, head}
//	resync_request  {docId, from}                client -> server
//	resync_response {docId, records, head}       server -> client
//	subscribe       {docId, from}                client -> server, answered by resync_response
//	heartbeat       {}                           both ways
type Envelope struct {
	Type       string           `json:"type"`
	DocID      string           `json:"docId,omitempty"`
	Revision   *RevisionPayload `json:"revision,omitempty"`
	RevisionID int64            `json:"revisionId,omitempty"`
	Code       string           `json:"code,omitempty"`
	Head       int64            `json:"head,omitempty"`
	From       int64            `json:"from,omitempty"`
	Records    []RecordPayload  `json:"records,omitempty"`
	Content    string           `json:"content,omitempty"`
}

// RevisionPayload 以二进制编码携带 delta，校验和覆盖的正是线上的字节
type RevisionPayload struct {
	DocID          string `json:"docId"`
	RevisionID     int64  `json:"revisionId"`
	BaseRevisionID int64  `json:"baseRevisionId"`
	Delta          []byte `json:"delta"`
	Checksum       uint32 `json:"checksum"`
	ClientID       string `json:"clientId,omitempty"`
}

type RecordPayload struct {
	RevisionPayload
	Snapshot bool `json:"snapshot,omitempty"`
}

func EncodeRevision(rev store.Revision) (*RevisionPayload, error) {
	raw, err := delta.Encode(rev.Delta)
	if err != nil {
		return nil, err
	}
	return &RevisionPayload{
		DocID:          rev.DocumentID,
		RevisionID:     rev.RevisionID,
		BaseRevisionID: rev.BaseRevisionID,
		Delta:          raw,
		Checksum:       rev.Checksum,
		ClientID:       rev.ClientID,
	}, nil
}

func (p *RevisionPayload) Decode() (store.Revision, error) {
	if p == nil {
		return store.Revision{}, errors.New("missing revision payload")
	}
	d, err := delta.Decode(p.Delta)
	if err != nil {
		return store.Revision{}, fmt.Errorf("rev %d: %w", p.RevisionID, err)
	}
	return store.Revision{
		DocumentID:     p.DocID,
		RevisionID:     p.RevisionID,
		BaseRevisionID: p.BaseRevisionID,
		Delta:          d,
		Checksum:       p.Checksum,
		ClientID:       p.ClientID,
	}, nil
}

func EncodeRecords(recs []store.Record) ([]RecordPayload, error) {
	out := make([]RecordPayload, 0, len(recs))
	for _, rec := range recs {
		p, err := EncodeRevision(rec.Revision)
		if err != nil {
			return nil, err
		}
		out = append(out, RecordPayload{RevisionPayload: *p, Snapshot: rec.Snapshot})
	}
	return out, nil
}

// DecodeRecords 把 resync 应答还原成已确认记录
func DecodeRecords(ps []RecordPayload) ([]store.Record, error) {
	out := make([]store.Record, 0, len(ps))
	for i := range ps {
		rev, err := ps[i].RevisionPayload.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, store.Record{Revision: rev, State: store.StateAcked, Snapshot: ps[i].Snapshot})
	}
	return out, nil
}

// rejectCode 把提交错误映射成线上的拒绝码
func rejectCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrBaseMismatch):
		return CodeBaseMismatch
	case errors.Is(err, store.ErrChecksumMismatch):
		return CodeChecksumMismatch
	case errors.Is(err, collab.ErrBusy):
		return CodeBusy
	default:
		return CodeInvalid
	}
}

// rejectError 是客户端侧 rejectCode 的逆映射
func rejectError(code string) error {
	switch code {
	case CodeBaseMismatch:
		return collab.ErrBaseMismatch
	case CodeChecksumMismatch:
		return store.ErrChecksumMismatch
	case CodeBusy:
		return collab.ErrBusy
	default:
		return fmt.Errorf("revision rejected: %s", code)
	}
}
