package collab

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"docsync/backend/internal/ot/delta"
)

const EventRevisionCommitted = "REVISION_COMMITTED"

// RevisionEvent 是写入 Kafka 的事件体，按 DocID 分区
type RevisionEvent struct {
	EventType    string      `json:"eventType"` // 固定 "REVISION_COMMITTED"
	OperationID  string      `json:"operationId"`
	DocID        string      `json:"docId"`
	Revision     int64       `json:"revision"`
	BaseRevision int64       `json:"baseRevision"`
	ClientID     string      `json:"clientId,omitempty"`
	Origin       Origin      `json:"origin"`
	Ops          delta.Delta `json:"ops"`
	AppliedAt    time.Time   `json:"appliedAt"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newOperationID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func NewRevisionEvent(ev Event, at time.Time) RevisionEvent {
	return RevisionEvent{
		EventType:    EventRevisionCommitted,
		OperationID:  newOperationID(at),
		DocID:        ev.DocumentID,
		Revision:     ev.RevisionID,
		BaseRevision: ev.BaseRevisionID,
		ClientID:     ev.ClientID,
		Origin:       ev.Origin,
		Ops:          ev.Delta,
		AppliedAt:    at,
	}
}
