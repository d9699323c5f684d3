package types

// EventKind 通知 UI 的事件種類
type EventKind string

const (
	EventOpened    EventKind = "opened"     // 新紀錄建立
	EventSelected  EventKind = "selected"   // 目前選取的紀錄改變
	EventClosed    EventKind = "closed"     // 紀錄被移除（或 clear）
	EventBatchStep EventKind = "batch-step" // 批次中的一步完成
	EventFitList   EventKind = "fit-list"   // 批次完成，切換到擬合列表
)

// Event 推送給 UI 的事件
type Event struct {
	Kind  EventKind `json:"kind"`
	FitID FitID     `json:"fit_id,omitempty"`
	Err   error     `json:"-"`
}
