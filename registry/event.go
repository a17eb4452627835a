package registry

// EventType 注册表事件类型.
type EventType string

const (
	EventRegistered    EventType = "registered"
	EventUnregistered  EventType = "unregistered"
	EventStatusChanged EventType = "status_changed"
)

// Event 注册表变更事件.
type Event struct {
	Type     EventType
	Instance ServiceInstance
	// Previous 状态变更前的状态，仅 EventStatusChanged 有效
	Previous Status
}

// Observer 注册表变更观察者.
//
// OnEvent 在锁外同步调用，实现不应长时间阻塞.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc 函数适配器.
type ObserverFunc func(event Event)

// OnEvent 调用函数本身.
func (f ObserverFunc) OnEvent(event Event) {
	f(event)
}
