package at

import (
	"bufio"
	"bytes"
)

const (
	// MaxPartialLine is how many bytes may pile up without a line
	// terminator before the partial frame is treated as garbage.
	MaxPartialLine = 100

	// MaxCaptureLine bounds a partial line while a multi-line reply
	// (message list or message read) is being captured. Message bodies
	// run up to 160 characters and often arrive across several reads.
	MaxCaptureLine = 1024
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also
// recognizes the SMS input prompt ("> ").
//
// Important: This splitter assumes "No Echo" mode (ATE0). If echo is enabled,
// command echoes come through as ordinary data lines.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return split(data, atEOF, MaxPartialLine, true)
}

var _ bufio.SplitFunc = Splitter

// CaptureSplitter behaves like Splitter but asks capturing on every call
// whether a multi-line reply is open. While it is, partial lines may grow
// up to MaxCaptureLine and "> " is read as message text, not a prompt.
func CaptureSplitter(capturing func() bool) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if capturing() {
			return split(data, atEOF, MaxCaptureLine, false)
		}
		return split(data, atEOF, MaxPartialLine, true)
	}
}

func split(data []byte, atEOF bool, limit int, prompts bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match SMS Prompt
	if prompts && bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match standard line ending with CRLF
	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}

	// 3. A prompt buried in an unterminated frame still opens the body
	// input; whatever preceded it is noise.
	if prompts && bytes.Contains(data, []byte(Prompt)) {
		return len(data), []byte(Prompt), nil
	}

	// 4. Garbled frame: drop it and resynchronise on the next terminator.
	if len(data) > limit {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
