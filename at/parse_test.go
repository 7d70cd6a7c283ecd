package at_test

import (
	"errors"
	"testing"

	"i4.energy/across/gsmbridge/at"
)

func TestParseMessageList(t *testing.T) {
	t.Run("Two records with detailed headers", func(t *testing.T) {
		block := `+CMGL: 0,"REC READ","+48509073123",,"25/10/08,13:10:00+08",145,2` + "\n" +
			"Hi" + "\n" +
			`+CMGL: 3,"REC UNREAD","+100",,"25/10/09,07:00:01+08",145,12` + "\n" +
			"Hello, world"

		records, errs := at.ParseMessageList(block)
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		expected := []at.Record{
			{Index: 0, Status: at.StatusRead, Sender: "+48509073123", Time: "25/10/08,13:10:00+08", Text: "Hi"},
			{Index: 3, Status: at.StatusUnread, Sender: "+100", Time: "25/10/09,07:00:01+08", Text: "Hello, world"},
		}
		if len(records) != len(expected) {
			t.Fatalf("expected %d records, got %d: %+v", len(expected), len(records), records)
		}
		for i := range expected {
			if records[i] != expected[i] {
				t.Errorf("record %d: expected %+v, got %+v", i, expected[i], records[i])
			}
		}
	})

	t.Run("Multi-line body", func(t *testing.T) {
		block := `+CMGL: 1,"REC UNREAD","+100",,"ts"` + "\nline one\nline two"
		records, _ := at.ParseMessageList(block)
		if len(records) != 1 || records[0].Text != "line one\nline two" {
			t.Errorf("expected joined body, got: %+v", records)
		}
	})

	t.Run("Malformed header is skipped", func(t *testing.T) {
		block := `+CMGL: x,"REC READ","+1"` + "\nlost\n" + `+CMGL: 2,"REC READ","+2"` + "\nkept"
		records, errs := at.ParseMessageList(block)
		if len(errs) != 1 || !errors.Is(errs[0], at.ErrProtocolParse) {
			t.Errorf("expected one protocol parse error, got: %v", errs)
		}
		if len(records) != 1 || records[0].Index != 2 || records[0].Text != "kept" {
			t.Errorf("expected only record 2, got: %+v", records)
		}
	})

	t.Run("Empty block", func(t *testing.T) {
		records, errs := at.ParseMessageList("")
		if len(records) != 0 || len(errs) != 0 {
			t.Errorf("expected nothing, got records=%v errs=%v", records, errs)
		}
	})
}

func TestParseMessageRead(t *testing.T) {
	tests := []struct {
		name  string
		block string
		text  string
	}{
		{name: "Standalone OK", block: `+CMGR: "REC UNREAD","+100",,"25/10/08,13:10:00+08"` + "\nPing\nOK", text: "Ping"},
		{name: "Detailed header keeps body OK", block: `+CMGR: "REC UNREAD","+100",,"25/10/08,13:10:00+08",145,2` + "\nOK", text: "OK"},
		{name: "Body ending in OK", block: `+CMGR: "REC READ","+100",,"ts"` + "\nall fine OK", text: "all fine "},
		{name: "No terminator", block: `+CMGR: "REC READ","+100",,"ts"` + "\nfirst\nsecond", text: "first\nsecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := at.ParseMessageRead(tt.block, 7)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Index != 7 || rec.Sender != "+100" {
				t.Errorf("unexpected header fields: %+v", rec)
			}
			if rec.Text != tt.text {
				t.Errorf("expected text %q, got %q", tt.text, rec.Text)
			}
		})
	}

	t.Run("Garbage", func(t *testing.T) {
		if _, err := at.ParseMessageRead("nonsense", 1); !errors.Is(err, at.ErrProtocolParse) {
			t.Errorf("expected ErrProtocolParse, got: %v", err)
		}
	})
}

func TestParseReplies(t *testing.T) {
	t.Run("Signal", func(t *testing.T) {
		sig, err := at.ParseSignal("+CSQ: 21,99")
		if err != nil || sig.RSSI != 21 || sig.BER != 99 {
			t.Errorf("unexpected signal %+v, err %v", sig, err)
		}
		if _, err := at.ParseSignal("+CSQ: 21"); !errors.Is(err, at.ErrProtocolParse) {
			t.Errorf("expected ErrProtocolParse, got: %v", err)
		}
	})

	t.Run("Registration", func(t *testing.T) {
		for line, want := range map[string]int{
			"+CREG: 0,1":                  1,
			"+CREG: 2,5,\"1A2B\",\"01C3\"": 5,
			"+CREG: 3":                    3,
		} {
			got, err := at.ParseRegistration(line)
			if err != nil || got != want {
				t.Errorf("%s: expected %d, got %d (err %v)", line, want, got, err)
			}
		}
	})

	t.Run("Operator", func(t *testing.T) {
		name, err := at.ParseOperator(`+COPS: 0,0,"Plus",7`)
		if err != nil || name != "Plus" {
			t.Errorf("expected Plus, got %q (err %v)", name, err)
		}
		name, err = at.ParseOperator("+COPS: 0")
		if err != nil || name != "" {
			t.Errorf("expected empty operator, got %q (err %v)", name, err)
		}
	})

	t.Run("Storage", func(t *testing.T) {
		st, err := at.ParseStorage(`+CPMS: "SM",3,30,"SM",3,30,"SM",3,30`)
		if err != nil || st.Used != 3 || st.Total != 30 {
			t.Errorf("unexpected storage %+v, err %v", st, err)
		}
		st, err = at.ParseStorage(`+CPMS: 1,25,1,25,1,25`)
		if err != nil || st.Used != 1 || st.Total != 25 {
			t.Errorf("unexpected storage %+v, err %v", st, err)
		}
	})

	t.Run("SIM", func(t *testing.T) {
		state, err := at.ParseSim("+CPIN: SIM PIN")
		if err != nil || state != at.SimPin {
			t.Errorf("expected SIM PIN, got %q (err %v)", state, err)
		}
	})

	t.Run("Send reference", func(t *testing.T) {
		for line, want := range map[string]int{"+CMGS: 12": 12, "+CMSS: 4": 4} {
			got, err := at.ParseSendReference(line)
			if err != nil || got != want {
				t.Errorf("%s: expected %d, got %d (err %v)", line, want, got, err)
			}
		}
	})
}

func TestCommandBuilders(t *testing.T) {
	if got := at.DeleteMessage(4); got != "AT+CMGD=4,0" {
		t.Errorf("unexpected delete command: %s", got)
	}
	if got := at.SendMessage("+100"); got != `AT+CMGS="+100"` {
		t.Errorf("unexpected send command: %s", got)
	}
	if got := at.ReadMessage(2); got != "AT+CMGR=2" {
		t.Errorf("unexpected read command: %s", got)
	}
	if got := at.EnterPIN("1234"); got != `AT+CPIN="1234"` {
		t.Errorf("unexpected PIN command: %s", got)
	}
}

func TestBodyLength(t *testing.T) {
	tests := []struct {
		header   string
		expected int
		ok       bool
	}{
		{`+CMGL: 0,"REC READ","+48509073123",,"25/10/08,13:10:00+08",145,2`, 2, true},
		{`+CMGL: 0,"REC READ","+48509073123",,"25/10/08,13:10:00+08"`, 0, false},
		{`+CMGR: "REC UNREAD","+100",,"25/10/08,13:10:00+08",145,4`, 4, true},
		{`+CMGR: "REC READ","+100",,"ts",145,4,0,0,"+48000",145,17`, 17, true},
		{`+CMGR: "REC READ","+100",,"ts"`, 0, false},
		{`+CMGL: 0,"REC READ","+1",,"ts",145,x`, 0, false},
	}
	for _, tt := range tests {
		n, ok := at.BodyLength(tt.header)
		if n != tt.expected || ok != tt.ok {
			t.Errorf("%s: expected %d %v, got: %d %v", tt.header, tt.expected, tt.ok, n, ok)
		}
	}
}

func TestTextLength(t *testing.T) {
	for text, expected := range map[string]int{
		"":         0,
		"Hi":       2,
		"Zażółć":   6,
		"{x}":      5,
		"10\u20ac": 4,
	} {
		if got := at.TextLength(text); got != expected {
			t.Errorf("%q: expected %d, got: %d", text, expected, got)
		}
	}
}
