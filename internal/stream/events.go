package stream

// Event is the JSON body of a data frame sent to the browser player.
type Event struct {
	T       string `json:"t"`
	D       string `json:"d,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	TypeAudio = "audio"
	TypeClear = "clear"
	TypeReady = "ready"
	TypeError = "error"
)

// AudioEvent carries base64 pcm16 audio.
func AudioEvent(b64 string) Event { return Event{T: TypeAudio, D: b64} }

// ClearEvent tells the player to drop audio it has queued.
func ClearEvent() Event { return Event{T: TypeClear} }

// ReadyEvent marks the voice session as connected.
func ReadyEvent() Event { return Event{T: TypeReady} }

func ErrorEvent(message string) Event { return Event{T: TypeError, Message: message} }
