package at_test

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"i4.energy/across/gsmbridge/at"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Simple AT command response",
			input:    "AT+CSQ\r\n+CSQ: 15,99\r\nOK\r\n",
			expected: []string{"AT+CSQ", "+CSQ: 15,99", "OK"},
		},
		{
			name:     "AT command with error",
			input:    "AT+CPIN?\r\n+CME ERROR: 10\r\n",
			expected: []string{"AT+CPIN?", "+CME ERROR: 10"},
		},
		{
			name:     "SMS sending sequence",
			input:    "AT+CMGS=\"+1234567890\"\r\n> Hello World!\x1A\r\n+CMGS: 123\r\nOK\r\n",
			expected: []string{"AT+CMGS=\"+1234567890\"", "> ", "Hello World!\x1A", "+CMGS: 123", "OK"},
		},
		{
			name:     "Network registration check",
			input:    "AT+CREG?\r\n+CREG: 0,1\r\nOK\r\n",
			expected: []string{"AT+CREG?", "+CREG: 0,1", "OK"},
		},
		{
			name:     "Multiple AT commands",
			input:    "ATI\r\nQuectel\r\nBG96\r\nRevision: BG96MAR02A07M1G\r\nOK\r\n",
			expected: []string{"ATI", "Quectel", "BG96", "Revision: BG96MAR02A07M1G", "OK"},
		},
		{
			name:     "URC mixed with AT response",
			input:    "AT+CSQ\r\n+CMTI: \"SM\",1\r\n+CSQ: 20,99\r\nOK\r\n",
			expected: []string{"AT+CSQ", "+CMTI: \"SM\",1", "+CSQ: 20,99", "OK"},
		},
		{
			name:     "SMS prompt only",
			input:    "> ",
			expected: []string{"> "},
		},
		{
			name:     "Empty lines handling",
			input:    "\r\n\r\nAT\r\nOK\r\n\r\n",
			expected: []string{"", "", "AT", "OK", ""},
		},
		{
			name:     "Multiple URCs",
			input:    "+CMTI: \"SM\",1\r\n+CMTI: \"SM\",2\r\nRING\r\n+CMTI: \"SM\",3\r\n",
			expected: []string{"+CMTI: \"SM\",1", "+CMTI: \"SM\",2", "RING", "+CMTI: \"SM\",3"},
		},
		{
			name:     "Call flow with RING",
			input:    "ATD+1234567890;\r\nOK\r\nRING\r\nRING\r\nNO CARRIER\r\n",
			expected: []string{"ATD+1234567890;", "OK", "RING", "RING", "NO CARRIER"},
		},
		// EOF scenarios - testing atEOF functionality
		{
			name:     "Incomplete command at EOF",
			input:    "AT+CSQ\r\n+CSQ: 15,99",
			expected: []string{"AT+CSQ", "+CSQ: 15,99"},
		},
		{
			name:     "Command without CRLF at EOF",
			input:    "AT+CPIN",
			expected: []string{"AT+CPIN"},
		},
		{
			name:     "SMS text without terminator at EOF",
			input:    "AT+CMGS=\"+123\"\r\n> Hello World",
			expected: []string{"AT+CMGS=\"+123\"", "> ", "Hello World"},
		},
		{
			name:     "Response cut off mid-stream at EOF",
			input:    "AT+CSQ\r\n+CSQ: 15,99\r\nOK\r\n+CMTI: \"SM\",1",
			expected: []string{"AT+CSQ", "+CSQ: 15,99", "OK", "+CMTI: \"SM\",1"},
		},
		{
			name:     "Partial SMS prompt at EOF",
			input:    "AT+CMGS=\"+123\"\r\n>",
			expected: []string{"AT+CMGS=\"+123\"", ">"},
		},
		{
			name:     "Mixed complete and incomplete at EOF",
			input:    "ATI\r\nQuectel\r\nBG96",
			expected: []string{"ATI", "Quectel", "BG96"},
		},
		{
			name:     "Prompt after a blank line",
			input:    "\r\n> ",
			expected: []string{"", "> "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokens []string
			scanner := bufio.NewScanner(strings.NewReader(tt.input))
			scanner.Split(at.Splitter)

			for scanner.Scan() {
				tokens = append(tokens, scanner.Text())
			}

			if err := scanner.Err(); err != nil {
				t.Fatalf("Scanner error: %v", err)
			}

			if len(tokens) != len(tt.expected) {
				t.Fatalf("Expected %d tokens, got %d.\nExpected: %v\nGot: %v",
					len(tt.expected), len(tokens), tt.expected, tokens)
			}

			for i, expected := range tt.expected {
				if tokens[i] != expected {
					t.Errorf("Token %d: expected %q, got %q", i, expected, tokens[i])
				}
			}
		})
	}
}

func TestSplitterBuriedPrompt(t *testing.T) {
	advance, token, err := at.Splitter([]byte("\x00\x00> "), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if advance != 4 {
		t.Errorf("expected the whole frame to be consumed, got advance %d", advance)
	}
	if string(token) != at.Prompt {
		t.Errorf("expected prompt token, got: %q", token)
	}
}

func TestSplitterDiscardsGarbage(t *testing.T) {
	t.Run("Frame over the bound is dropped", func(t *testing.T) {
		frame := []byte(strings.Repeat("x", at.MaxPartialLine+1))
		advance, token, err := at.Splitter(frame, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if advance != len(frame) {
			t.Errorf("expected advance %d, got %d", len(frame), advance)
		}
		if token != nil {
			t.Errorf("expected no token, got: %q", token)
		}
	})

	t.Run("Frame at the bound waits for more data", func(t *testing.T) {
		frame := []byte(strings.Repeat("x", at.MaxPartialLine))
		advance, token, err := at.Splitter(frame, false)
		if err != nil || advance != 0 || token != nil {
			t.Errorf("expected to request more data, got advance=%d token=%q err=%v", advance, token, err)
		}
	})

	t.Run("Scanner resynchronises on the next line", func(t *testing.T) {
		input := strings.Repeat("#", 150) + "\r\nOK\r\n"
		scanner := bufio.NewScanner(&chunkReader{data: []byte(input), chunk: 64})
		scanner.Split(at.Splitter)

		var tokens []string
		for scanner.Scan() {
			tokens = append(tokens, scanner.Text())
		}
		if len(tokens) == 0 || tokens[len(tokens)-1] != "OK" {
			t.Errorf("expected to end on OK, got: %q", tokens)
		}
		for _, tok := range tokens {
			if len(tok) > at.MaxPartialLine+64 {
				t.Errorf("garbage frame leaked through: %d bytes", len(tok))
			}
		}
	})
}

func TestCaptureSplitter(t *testing.T) {
	capturing := true
	split := at.CaptureSplitter(func() bool { return capturing })

	body := []byte("> quoted reply " + strings.Repeat("y", 140))
	advance, token, err := split(body, false)
	if err != nil || advance != 0 || token != nil {
		t.Errorf("expected capture to wait for the terminator, got advance=%d token=%q err=%v", advance, token, err)
	}

	capturing = false
	advance, token, _ = split(body, false)
	if advance != len(at.Prompt) || string(token) != at.Prompt {
		t.Errorf("expected prompt outside a capture, got advance=%d token=%q", advance, token)
	}
}

// chunkReader hands out data in fixed-size reads, like a serial port.
type chunkReader struct {
	data  []byte
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := min(r.chunk, len(p), len(r.data))
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
