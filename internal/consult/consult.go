package consult

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when no message exists for a consult id.
var ErrNotFound = errors.New("consult not found")

// Attachment describes a file sent alongside a message.
type Attachment struct {
	AttachmentID string `json:"attachmentId"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
}

// Payload is a message exactly as delivered by the upstream messaging API.
// Created is an epoch timestamp in seconds or milliseconds.
type Payload struct {
	MsgID       int64       `json:"msgId"`
	ConvID      int64       `json:"convId"`
	Created     int64       `json:"created"`
	SenderEmail string      `json:"senderEmail"`
	MsgType     string      `json:"msgType"`
	MsgText     string      `json:"msgText"`
	Attachment  *Attachment `json:"attachment,omitempty"`
}

// Message is one stored message of a consult conversation.
type Message struct {
	ID          string    `json:"id"`
	ConvID      int64     `json:"convId"`
	MsgID       int64     `json:"msgId"`
	SenderEmail string    `json:"senderEmail,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
	Payload     Payload   `json:"payload"`
}

// Consult is a message hydrated with its whole conversation, ordered by MsgID.
type Consult struct {
	Message
	Thread []Message `json:"thread"`
}

// Summary is the list view of one conversation, keyed by its newest message.
type Summary struct {
	ID           string    `json:"id"`
	ConvID       int64     `json:"convId"`
	LatestMsgID  int64     `json:"latestMsgId"`
	SenderEmail  string    `json:"senderEmail,omitempty"`
	ReceivedAt   time.Time `json:"receivedAt"`
	Snippet      string    `json:"snippet"`
	MsgType      string    `json:"msgType"`
	MessageCount int       `json:"messageCount"`
}

const snippetLength = 256

// Key builds the consult id for a message.
func Key(convID, msgID int64) string {
	return strconv.FormatInt(convID, 10) + "-" + strconv.FormatInt(msgID, 10)
}

// ParseKey splits a consult id into its conversation and message ids.
func ParseKey(id string) (convID, msgID int64, err error) {
	conv, msg, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("consult id %q: want <convId>-<msgId>", id)
	}
	if convID, err = strconv.ParseInt(conv, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("consult id %q: bad conversation id: %w", id, err)
	}
	if msgID, err = strconv.ParseInt(msg, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("consult id %q: bad message id: %w", id, err)
	}
	return convID, msgID, nil
}

// FromPayload wraps an upstream message into a stored Message. now supplies the
// receive time when the payload carries no creation stamp.
func FromPayload(p Payload, now time.Time) Message {
	return Message{
		ID:          Key(p.ConvID, p.MsgID),
		ConvID:      p.ConvID,
		MsgID:       p.MsgID,
		SenderEmail: p.SenderEmail,
		ReceivedAt:  epochToTime(p.Created, now),
		Payload:     p,
	}
}

// epochToTime accepts both second and millisecond precision.
func epochToTime(epoch int64, fallback time.Time) time.Time {
	if epoch <= 0 {
		return fallback.UTC()
	}
	if epoch > 1_000_000_000_000 {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// SystemCheck is the synthetic consult used to exercise the voice path without
// any stored record.
func SystemCheck(id string, now time.Time) Consult {
	const sender = "admin@system.local"
	msg := Message{
		ID:          id,
		SenderEmail: sender,
		ReceivedAt:  now.UTC(),
		Payload: Payload{
			Created:     now.UnixMilli(),
			SenderEmail: sender,
			MsgType:     "text",
			MsgText:     "System Check",
		},
	}
	return Consult{Message: msg, Thread: []Message{msg}}
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) > snippetLength {
		r = r[:snippetLength]
	}
	return string(r)
}
