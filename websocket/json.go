package websocket

import (
	"encoding/json"
	"io"
)

// WriteJSON writes the JSON encoding of v as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(TextMessage, data)
}

// ReadJSON reads the next message from the connection and decodes it as JSON
// into the value pointed to by v. An empty message reports
// io.ErrUnexpectedEOF.
func (c *Conn) ReadJSON(v any) error {
	_, p, err := c.ReadMessage()
	if err != nil {
		return err
	}
	if len(p) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(p, v)
}
