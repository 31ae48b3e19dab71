package main

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Announcement is a raw listing message as received from the chat channel.
type Announcement struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Embeds    []Embed `json:"embeds"`
}

type Embed struct {
	URL    string  `json:"url"`
	Fields []Field `json:"fields"`
}

type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// errSkipFrame marks a gateway frame that does not carry a message.
var errSkipFrame = fmt.Errorf("not a message frame")

// DecodeAnnouncement accepts either a bare message object or a gateway
// dispatch frame ({"op":0,"t":"MESSAGE_CREATE","d":{...}}). Frames of any
// other type return errSkipFrame.
func DecodeAnnouncement(raw []byte) (Announcement, error) {
	var ann Announcement

	if !gjson.ValidBytes(raw) {
		return ann, newError(KindMalformedEvent, "invalid JSON", nil)
	}

	doc := gjson.ParseBytes(raw)
	if t := doc.Get("t"); t.Exists() {
		if t.String() != "MESSAGE_CREATE" {
			return ann, errSkipFrame
		}
		doc = doc.Get("d")
		if !doc.IsObject() {
			return ann, newError(KindMalformedEvent, "dispatch frame without payload", nil)
		}
	}

	if err := json.Unmarshal([]byte(doc.Raw), &ann); err != nil {
		return ann, newError(KindMalformedEvent, "decode announcement", err)
	}
	return ann, nil
}
