package collab

import (
	"context"

	"docsync/backend/internal/ot/delta"
)

type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
	// authority 自己提交的修订
	OriginAuthority Origin = "authority"
)

// 每次应用本地编辑或远端修订都会发出 Event。至少一次投递，监听方按 RevisionID 去重
type Event struct {
	DocumentID     string
	RevisionID     int64
	BaseRevisionID int64
	// 实际作用在本副本内容上的修改
	Delta    delta.Delta
	Origin   Origin
	ClientID string
}

type Status string

const (
	StatusOnline       Status = "online"
	StatusReconnecting Status = "reconnecting"
	StatusOffline      Status = "offline"
	StatusResyncing    Status = "resyncing"
	StatusOutOfSync    Status = "out_of_sync"
	// StatusReset：本地历史被 authority 快照替换，待确认编辑已丢弃
	StatusReset  Status = "reset"
	StatusFailed Status = "failed"
)

type StatusEvent struct {
	DocumentID string
	Status     Status
	Err        error
}

type Listener interface {
	OnRevision(ctx context.Context, ev Event)
	OnStatus(ctx context.Context, ev StatusEvent)
}

// Listeners 按顺序分发事件
type Listeners []Listener

func (ls Listeners) OnRevision(ctx context.Context, ev Event) {
	for _, l := range ls {
		if l != nil {
			l.OnRevision(ctx, ev)
		}
	}
}

func (ls Listeners) OnStatus(ctx context.Context, ev StatusEvent) {
	for _, l := range ls {
		if l != nil {
			l.OnStatus(ctx, ev)
		}
	}
}

// ListenerFuncs 把普通函数适配成 Listener，nil 的跳过
type ListenerFuncs struct {
	Revision func(Event)
	Status   func(StatusEvent)
}

func (f ListenerFuncs) OnRevision(_ context.Context, ev Event) {
	if f.Revision != nil {
		f.Revision(ev)
	}
}

func (f ListenerFuncs) OnStatus(_ context.Context, ev StatusEvent) {
	if f.Status != nil {
		f.Status(ev)
	}
}

type nopListener struct{}

func (nopListener) OnRevision(context.Context, Event)     {}
func (nopListener) OnStatus(context.Context, StatusEvent) {}
