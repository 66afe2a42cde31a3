package events

import (
	"time"

	"github.com/betbot/makerkit/internal/domain"
)

// Event 流事件（封闭联合类型，只有本包内的类型实现）
type Event interface {
	Kind() string
	isEvent()
}

// Opened 连接建立
type Opened struct {
	At time.Time
}

// Authenticated 鉴权结果
type Authenticated struct {
	OK      bool
	Message string
}

// OrderSnapshot 鉴权后推送的全部活跃订单（os）
type OrderSnapshot struct {
	Orders []domain.OrderRecord
}

// OrderNew 新订单（on）
type OrderNew struct {
	Order domain.OrderRecord
}

// OrderUpdate 订单更新（ou），部分成交走这里
type OrderUpdate struct {
	Order domain.OrderRecord
}

// OrderCancel 订单关闭（oc），完全成交和撤单都走这里，需要看 Status 区分
type OrderCancel struct {
	Order domain.OrderRecord
}

// Notification 通知（n），包括下单/改单的回执
type Notification struct {
	Type    string // on-req / ou-req / oc-req ...
	Status  string // SUCCESS / ERROR / FAILURE
	Text    string
	Payload any
}

// Ticker 行情推送
type Ticker struct {
	Ticker domain.Ticker
}

// Disconnected 连接断开
type Disconnected struct {
	Err error
}

func (Opened) Kind() string        { return "opened" }
func (Authenticated) Kind() string { return "auth" }
func (OrderSnapshot) Kind() string { return "os" }
func (OrderNew) Kind() string      { return "on" }
func (OrderUpdate) Kind() string   { return "ou" }
func (OrderCancel) Kind() string   { return "oc" }
func (Notification) Kind() string  { return "n" }
func (Ticker) Kind() string        { return "ticker" }
func (Disconnected) Kind() string  { return "disconnected" }

func (Opened) isEvent()        {}
func (Authenticated) isEvent() {}
func (OrderSnapshot) isEvent() {}
func (OrderNew) isEvent()      {}
func (OrderUpdate) isEvent()   {}
func (OrderCancel) isEvent()   {}
func (Notification) isEvent()  {}
func (Ticker) isEvent()        {}
func (Disconnected) isEvent()  {}
