package stream

import (
	"context"
	"sync"
)

// Connection is one logical channel on the shared socket.
type Connection struct {
	c       *Client
	id      string
	channel string
	params  any

	events chan Message
	done   chan struct{}
	once   sync.Once
}

func (cn *Connection) ID() string      { return cn.id }
func (cn *Connection) Channel() string { return cn.channel }

// Events delivers inbound channel messages in arrival order. It is never
// closed; select on Done as well.
func (cn *Connection) Events() <-chan Message { return cn.events }

// Done is closed by Dispose.
func (cn *Connection) Done() <-chan struct{} { return cn.done }

// Send emits a typed message on this channel.
func (cn *Connection) Send(ctx context.Context, typ string, body any) error {
	select {
	case <-cn.done:
		return ErrDisposed
	default:
	}
	return cn.c.send(ctx, cn.id, frame{Type: "ch", Body: channelBody{ID: cn.id, Type: typ, Body: body}})
}

// Dispose disconnects the channel. It is safe to call more than once.
func (cn *Connection) Dispose(ctx context.Context) error {
	var err error
	cn.once.Do(func() {
		close(cn.done)
		c := cn.c
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.conns, cn.id)
		if c.conn != nil && c.state == StateConnected {
			err = c.write(ctx, c.conn, frame{Type: "disconnect", Body: disconnectBody{ID: cn.id}})
		}
	})
	return err
}

func (cn *Connection) connectFrame() frame {
	return frame{Type: "connect", Body: connectBody{Channel: cn.channel, ID: cn.id, Params: cn.params}}
}
