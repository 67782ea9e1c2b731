package channel

import "net"

// Handler receives the events of a control channel.
//
// Frame events (OnConnect, OnListen, OnUnlisten, OnListening) are delivered on the
// channel's read goroutine in arrival order. OnStream runs on its own goroutine and
// owns the raw connection it is given. OnClose fires at most once and never after
// OnStream.
type Handler interface {
	OnConnect(topic []byte)
	OnListen(topic, id []byte)
	OnUnlisten(id []byte)
	OnListening(port uint16)
	OnStream(conn net.Conn)
	OnClose()
	OnError(err error)
}

// Handlers adapts a set of optional functions to the Handler interface.
// A nil function drops its event. A nil Stream closes the raw connection.
type Handlers struct {
	Connect   func(topic []byte)
	Listen    func(topic, id []byte)
	Unlisten  func(id []byte)
	Listening func(port uint16)
	Stream    func(conn net.Conn)
	Close     func()
	Error     func(err error)
}

var _ Handler = (*Handlers)(nil)

func (h *Handlers) OnConnect(topic []byte) {
	if h.Connect != nil {
		h.Connect(topic)
	}
}

func (h *Handlers) OnListen(topic, id []byte) {
	if h.Listen != nil {
		h.Listen(topic, id)
	}
}

func (h *Handlers) OnUnlisten(id []byte) {
	if h.Unlisten != nil {
		h.Unlisten(id)
	}
}

func (h *Handlers) OnListening(port uint16) {
	if h.Listening != nil {
		h.Listening(port)
	}
}

func (h *Handlers) OnStream(conn net.Conn) {
	if h.Stream != nil {
		h.Stream(conn)
		return
	}
	conn.Close()
}

func (h *Handlers) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}

func (h *Handlers) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}
