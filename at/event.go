package at

import "strings"

// EventKind identifies the reply family a modem line belongs to.
type EventKind int

const (
	EventNone         EventKind = iota // blank line
	EventOK                            // final OK
	EventPrompt                        // SMS body input prompt
	EventSendConfirm                   // +CMGS / +CMSS
	EventListReply                     // +CMGL block
	EventReadReply                     // +CMGR block
	EventStorageReply                  // +CPMS
	EventSignalReply                   // +CSQ
	EventIncoming                      // +CMTI notification
	EventError                         // ERROR, +CME ERROR, +CMS ERROR
	EventData                          // anything else
)

var eventNames = map[EventKind]string{
	EventNone:         "none",
	EventOK:           "ok",
	EventPrompt:       "prompt",
	EventSendConfirm:  "send_confirm",
	EventListReply:    "list_reply",
	EventReadReply:    "read_reply",
	EventStorageReply: "storage_reply",
	EventSignalReply:  "signal_reply",
	EventIncoming:     "incoming",
	EventError:        "error",
	EventData:         "data",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one classified modem line.
type Event struct {
	Kind EventKind
	// Payload is the trimmed line text.
	Payload string
	// FoldedOK is set when the modem folded the final OK onto the line.
	FoldedOK bool
}

// Classify identifies the nature of a single modem output line. It knows
// nothing about multi-line replies: a plain line ending in "OK" is read as
// a folded final OK, and "OK" or "ERROR" are final results. The parser
// only consults it for lines outside a message body, so message text is
// never taken for a result code.
func Classify(line string) Event {
	if line == Prompt {
		return Event{Kind: EventPrompt, Payload: Prompt}
	}

	text := strings.TrimSpace(line)
	if text == "" {
		return Event{Kind: EventNone}
	}

	ev := Event{Kind: EventData, Payload: text}
	switch {
	case strings.HasPrefix(text, ReadReply):
		ev.Kind = EventReadReply
		ev.FoldedOK = foldsOK(text, ReadReply)
	case strings.HasPrefix(text, ListReply):
		ev.Kind = EventListReply
	case strings.HasPrefix(text, StorageReply):
		ev.Kind = EventStorageReply
		ev.FoldedOK = containsOK(text, StorageReply)
	case strings.HasPrefix(text, SignalReply):
		ev.Kind = EventSignalReply
		ev.FoldedOK = containsOK(text, SignalReply)
	case strings.HasPrefix(text, SendConfirm), strings.HasPrefix(text, StoredSendConfirm):
		ev.Kind = EventSendConfirm
	case strings.HasPrefix(text, UrcNewMsg):
		ev.Kind = EventIncoming
	case strings.HasPrefix(text, CmeError), strings.HasPrefix(text, CmsError), text == ERROR:
		ev.Kind = EventError
	case text == OK:
		ev.Kind = EventOK
	case strings.HasSuffix(text, OK) && !strings.HasPrefix(text, "+"):
		ev.Kind = EventOK
		ev.FoldedOK = true
	}
	return ev
}

func containsOK(text, prefix string) bool {
	return strings.Contains(strings.TrimPrefix(text, prefix), OK)
}

func foldsOK(text, prefix string) bool {
	return strings.HasSuffix(strings.TrimPrefix(text, prefix), OK)
}
