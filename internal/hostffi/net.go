package hostffi

import (
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"simplert/internal/interp"
)

type wsConn struct {
	conn *websocket.Conn
}

// resolveNet binds the simple.net module: websocket connect/send/recv/
// close over handle-indexed connections. Receives block, which matches
// the runtime's suspension model.
func (r *Resolver) resolveNet(symbol string) (interp.ImportFunc, error) {
	switch symbol {
	case "ws_connect":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			url, err := argString(i, args, 0)
			if err != nil {
				return nil, err
			}
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "dial %s", url)
			}
			h := r.nextHandle()
			r.mu.Lock()
			r.wss[h] = &wsConn{conn: conn}
			r.mu.Unlock()
			return []interp.Slot{interp.SlotOfI32(h)}, nil
		}, nil

	case "ws_send":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			c, err := r.ws(args[0].I32())
			if err != nil {
				return nil, err
			}
			msg, err := argString(i, args, 1)
			if err != nil {
				return nil, err
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return nil, errors.Wrap(err, "write")
			}
			return []interp.Slot{interp.SlotOfI32(0)}, nil
		}, nil

	case "ws_recv":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			c, err := r.ws(args[0].I32())
			if err != nil {
				return nil, err
			}
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return nil, errors.Wrap(err, "read")
			}
			return []interp.Slot{i.StringSlot(string(data))}, nil
		}, nil

	case "ws_close":
		return func(i *interp.Interp, args []interp.Slot) ([]interp.Slot, error) {
			h := args[0].I32()
			r.mu.Lock()
			c, ok := r.wss[h]
			delete(r.wss, h)
			r.mu.Unlock()
			if !ok {
				return nil, errors.Errorf("unknown websocket handle %d", h)
			}
			if err := c.conn.Close(); err != nil {
				return nil, errors.Wrap(err, "close")
			}
			return []interp.Slot{interp.SlotOfI32(0)}, nil
		}, nil

	default:
		return nil, errors.Errorf("unknown symbol %q", symbol)
	}
}

func (r *Resolver) ws(h int32) (*wsConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.wss[h]
	if !ok {
		return nil, errors.Errorf("unknown websocket handle %d", h)
	}
	return c, nil
}
