package fleet

import (
	"github.com/lk2023060901/att-fleet-go/internal/network/console"
)

// ConsoleConnection 即单台服务器的控制台连接，
// 别名导出以便调用方直接使用内部实现类型。
type ConsoleConnection = console.Connection

// ConsoleEvent 为控制台事件的导出别名。
type ConsoleEvent = console.Event

// ConsoleResult 为控制台命令结果的导出别名。
type ConsoleResult = console.Result

// EventSink 为对外事件面：
// ready 在启动完成时触发一次，connect 在每条控制台连接建立后触发。
type EventSink interface {
	OnReady(c *Client)
	OnConnect(conn *ConsoleConnection)
}

// NopEvents 为 EventSink 的空实现，方便调用方只关心其中一个事件。
type NopEvents struct{}

func (NopEvents) OnReady(*Client)              {}
func (NopEvents) OnConnect(*ConsoleConnection) {}

// FuncEvents 以回调函数形式装配 EventSink。
type FuncEvents struct {
	Ready   func(c *Client)
	Connect func(conn *ConsoleConnection)
}

func (f FuncEvents) OnReady(c *Client) {
	if f.Ready != nil {
		f.Ready(c)
	}
}

func (f FuncEvents) OnConnect(conn *ConsoleConnection) {
	if f.Connect != nil {
		f.Connect(conn)
	}
}
