package voice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loqalabs/consult-voice/internal/consult"
)

const (
	transcriptMessages = 6
	transcriptBodyLen  = 240
	previewLen         = 600
)

// Instructions renders the system prompt for a conversation about c. The
// prompt carries the consult metadata, the latest attachment, the last few
// messages of the thread and a preview of the newest message.
func Instructions(c consult.Consult) string {
	messages := append([]consult.Message(nil), c.Thread...)
	if len(messages) == 0 {
		messages = []consult.Message{c.Message}
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].MsgID < messages[j].MsgID })
	latest := messages[len(messages)-1]

	preview := strings.TrimSpace(truncate(latest.Payload.MsgText, previewLen))
	if preview == "" {
		preview = "No text body was provided."
	}

	attachment := "No attachments were included."
	if a := latest.Payload.Attachment; a != nil {
		attachment = fmt.Sprintf("Attachment: %s (%s, %d bytes).", a.FileName, a.MimeType, a.FileSize)
	}

	recent := messages
	if len(recent) > transcriptMessages {
		recent = recent[len(recent)-transcriptMessages:]
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		author := m.SenderEmail
		if author == "" {
			author = "Unknown"
		}
		body := strings.Join(strings.Fields(m.Payload.MsgText), " ")
		if body == "" {
			body = "[no text body]"
		}
		lines = append(lines, fmt.Sprintf("#%d %s: %s", m.MsgID, author, truncate(body, transcriptBodyLen)))
	}

	sender := c.SenderEmail
	if sender == "" {
		sender = "unknown"
	}

	return strings.Join([]string{
		"You are ViKi, a virtual pediatric specialist supporting asynchronous NetSfere consults.",
		"Speak German by default; switch to English only when the consult text is clearly written in English. Keep replies medically precise and under 45 seconds.",
		fmt.Sprintf("Consult metadata: id=%s, convId=%d, msgId=%d, messages=%d.", c.ID, c.ConvID, c.MsgID, len(messages)),
		fmt.Sprintf("Sender: %s. Latest message received at %s.", sender, c.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z")),
		attachment,
		"Recent conversation snippets (newest last):",
		strings.Join(lines, "\n"),
		"Latest message preview (first 600 chars):",
		preview,
	}, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
