package at

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrProtocolParse is the root of every reply-shape error.
var ErrProtocolParse = errors.New("protocol parse error")

// ParseError describes a reply line that did not have the expected shape.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Is(target error) bool {
	return target == ErrProtocolParse
}

// Record is a text-mode message as the modem reports it.
type Record struct {
	Index  int
	Status string
	Sender string
	Time   string
	Text   string
}

// fields splits the parameter list after prefix. Quoted parameters may
// carry commas (timestamps do), so the list is read as a CSV record.
func fields(line, prefix string) ([]string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), prefix)
	if !ok {
		return nil, &ParseError{Line: line, Reason: "missing " + prefix}
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, &ParseError{Line: line, Reason: "no parameters"}
	}

	r := csv.NewReader(strings.NewReader(rest))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	out, err := r.Read()
	if err != nil {
		return nil, &ParseError{Line: line, Reason: err.Error()}
	}
	for i := range out {
		out[i] = strings.Trim(strings.TrimSpace(out[i]), `"`)
	}
	return out, nil
}

func atoi(line, field string) (int, error) {
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, &ParseError{Line: line, Reason: fmt.Sprintf("not a number: %q", field)}
	}
	return n, nil
}

// ParseListHeader parses one +CMGL header:
//
//	+CMGL: 0,"REC READ","+48509073123",,"25/10/08,13:10:00+08",145,2
func ParseListHeader(line string) (Record, error) {
	f, err := fields(line, ListReply)
	if err != nil {
		return Record{}, err
	}
	if len(f) < 3 {
		return Record{}, &ParseError{Line: line, Reason: "too few fields"}
	}
	index, err := atoi(line, f[0])
	if err != nil {
		return Record{}, err
	}
	if index < 0 {
		return Record{}, &ParseError{Line: line, Reason: "negative index"}
	}
	rec := Record{Index: index, Status: f[1], Sender: f[2]}
	if len(f) >= 5 {
		rec.Time = f[4]
	}
	return rec, nil
}

// BodyLength returns the <length> parameter of a +CMGL or +CMGR header.
// Modems only report it with detailed headers (AT+CSDH=1).
//
//	+CMGL: <index>,<stat>,<oa>,[<alpha>],<scts>,<tooa>,<length>
//	+CMGR: <stat>,<oa>,[<alpha>],<scts>,<tooa>,<length>
func BodyLength(header string) (int, bool) {
	prefix, minFields := ListReply, 7
	if strings.HasPrefix(strings.TrimSpace(header), ReadReply) {
		prefix, minFields = ReadReply, 6
	}
	f, err := fields(header, prefix)
	if err != nil || len(f) < minFields {
		return 0, false
	}
	n, err := strconv.Atoi(f[len(f)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// gsmExtension holds the characters that take an escape septet in the GSM
// default alphabet.
const gsmExtension = "^{}\\[~]|\u20ac\f"

// TextLength counts s the way the modem counts a text-mode body.
func TextLength(s string) int {
	n := 0
	for _, r := range s {
		n++
		if strings.ContainsRune(gsmExtension, r) {
			n++
		}
	}
	return n
}

// ParseMessageList turns a captured +CMGL block into records. A header is
// followed by its body lines up to the next header. Headers that do not
// parse are reported in errs and their bodies skipped.
func ParseMessageList(block string) (records []Record, errs []error) {
	var (
		current *Record
		body    []string
	)
	flush := func() {
		if current != nil {
			current.Text = strings.Join(body, "\n")
			records = append(records, *current)
		}
		current, body = nil, nil
	}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.TrimSpace(line), ListReply) {
			flush()
			rec, err := ParseListHeader(line)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			current = &rec
			continue
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return records, errs
}

// ParseMessageRead parses a captured +CMGR block for the message at index:
//
//	+CMGR: "REC UNREAD","+48509073123",,"25/10/08,13:10:00+08",145,4
//	Body
func ParseMessageRead(block string, index int) (Record, error) {
	lines := strings.Split(strings.TrimSpace(block), "\n")
	f, err := fields(lines[0], ReadReply)
	if err != nil {
		return Record{}, err
	}
	if len(f) < 2 {
		return Record{}, &ParseError{Line: lines[0], Reason: "too few fields"}
	}
	rec := Record{Index: index, Status: f[0], Sender: f[1]}
	if len(f) >= 4 {
		rec.Time = f[3]
	}

	body := lines[1:]
	if _, ok := BodyLength(lines[0]); ok {
		rec.Text = strings.Join(body, "\n")
		return rec, nil
	}
	if n := len(body); n > 0 {
		last := strings.TrimSpace(body[n-1])
		switch {
		case last == OK:
			body = body[:n-1]
		case strings.HasSuffix(last, OK):
			body[n-1] = strings.TrimSuffix(last, OK)
		}
	}
	rec.Text = strings.Join(body, "\n")
	return rec, nil
}

// Signal is a +CSQ reading. RSSI 99 means not known or not detectable.
type Signal struct {
	RSSI int
	BER  int
}

// ParseSignal parses "+CSQ: <rssi>,<ber>".
func ParseSignal(line string) (Signal, error) {
	f, err := fields(line, SignalReply)
	if err != nil {
		return Signal{}, err
	}
	if len(f) < 2 {
		return Signal{}, &ParseError{Line: line, Reason: "expected rssi,ber"}
	}
	rssi, err := atoi(line, f[0])
	if err != nil {
		return Signal{}, err
	}
	ber, err := atoi(line, strings.TrimSpace(strings.TrimSuffix(f[1], OK)))
	if err != nil {
		return Signal{}, err
	}
	return Signal{RSSI: rssi, BER: ber}, nil
}

// ParseRegistration returns the <stat> of a +CREG reply. Both the query
// form "+CREG: <n>,<stat>[,...]" and the unsolicited "+CREG: <stat>" are
// accepted.
func ParseRegistration(line string) (int, error) {
	f, err := fields(line, RegistrationReply)
	if err != nil {
		return 0, err
	}
	if len(f) >= 2 {
		if stat, err := strconv.Atoi(f[1]); err == nil {
			return stat, nil
		}
	}
	return atoi(line, f[0])
}

// ParseOperator returns the operator name of "+COPS: <mode>[,<format>,<oper>]".
// An empty name means no operator is selected.
func ParseOperator(line string) (string, error) {
	f, err := fields(line, OperatorReply)
	if err != nil {
		return "", err
	}
	if len(f) < 3 {
		return "", nil
	}
	return f[2], nil
}

// Storage is the occupancy of the receive message store.
type Storage struct {
	Used  int
	Total int
}

// ParseStorage parses a +CPMS reply. The query form names the memory first
// ("+CPMS: "SM",3,30,...") while the set form starts with the counters
// ("+CPMS: 3,30,...").
func ParseStorage(line string) (Storage, error) {
	f, err := fields(line, StorageReply)
	if err != nil {
		return Storage{}, err
	}
	if _, err := strconv.Atoi(f[0]); err != nil {
		f = f[1:]
	}
	if len(f) < 2 {
		return Storage{}, &ParseError{Line: line, Reason: "expected used,total"}
	}
	used, err := atoi(line, f[0])
	if err != nil {
		return Storage{}, err
	}
	total, err := atoi(line, strings.TrimSpace(strings.TrimSuffix(f[1], OK)))
	if err != nil {
		return Storage{}, err
	}
	return Storage{Used: used, Total: total}, nil
}

// ParseSim returns the state word of "+CPIN: <code>".
func ParseSim(line string) (string, error) {
	f, err := fields(line, SimReply)
	if err != nil {
		return "", err
	}
	return strings.Join(f, ","), nil
}

// ParseSendReference returns the message reference of "+CMGS: <mr>" or
// "+CMSS: <mr>".
func ParseSendReference(line string) (int, error) {
	prefix := SendConfirm
	if strings.HasPrefix(strings.TrimSpace(line), StoredSendConfirm) {
		prefix = StoredSendConfirm
	}
	f, err := fields(line, prefix)
	if err != nil {
		return 0, err
	}
	return atoi(line, f[0])
}

// FindLine returns the first line in lines starting with prefix.
func FindLine(lines []string, prefix string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), prefix) {
			return strings.TrimSpace(line), true
		}
	}
	return "", false
}
