package models

import (
	"encoding/base64"
	"encoding/json"
)

const (
	CursorDirectionPrev CursorDirection = "p"
	CursorDirectionNext CursorDirection = "n"
)

type CursorDirection string

// Cursor carries the opaque markers a listing returns for paging in either
// direction.
type Cursor struct {
	Prev *DirectionalCursor
	Next *DirectionalCursor
}

// DirectionalCursor is one page marker. Its encoded form travels in query
// strings, so it round-trips through base64 JSON.
type DirectionalCursor struct {
	Direction CursorDirection `json:"d"`
	Marker    string          `json:"m"`
}

func (c *DirectionalCursor) Decode(str string) error {
	if str == "" {
		return nil
	}
	buf, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, c)
}

func (c *DirectionalCursor) Encode() (string, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
