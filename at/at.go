package at

import "fmt"

const (
	// Terminal Control
	CRLF   = "\r\n"
	CR     = "\r"
	Prompt = "> "
	CtrlZ  = "\x1a"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Reply prefixes
	ReadReply         = "+CMGR:"
	ListReply         = "+CMGL:"
	StorageReply      = "+CPMS:"
	SignalReply       = "+CSQ:"
	SendConfirm       = "+CMGS:"
	StoredSendConfirm = "+CMSS:"
	RegistrationReply = "+CREG:"
	OperatorReply     = "+COPS:"
	SimReply          = "+CPIN:"

	// URCs (Unsolicited Result Codes)
	UrcNewMsg = "+CMTI:"
	UrcCall   = "RING"

	// SIM states reported by +CPIN
	SimReady = "READY"
	SimPin   = "SIM PIN"
	SimPuk   = "SIM PUK"

	// Message statuses in text mode
	StatusUnread = "REC UNREAD"
	StatusRead   = "REC READ"
)

// Command catalog. Only the text-mode subset the gateway drives.
const (
	CmdAt               = "AT"
	CmdEchoOff          = "ATE0"
	CmdVerboseErrors    = "AT+CMEE=1"
	CmdCharsetGSM       = `AT+CSCS="GSM"`
	CmdSetTextMode      = "AT+CMGF=1"
	CmdShowTextParams   = "AT+CSDH=1"
	CmdNewMsgIndication = "AT+CNMI=2,1,0,0,0"
	CmdStorageSIM       = `AT+CPMS="SM","SM","SM"`
	CmdStorageQuery     = "AT+CPMS?"
	CmdListAll          = `AT+CMGL="ALL"`
	CmdSignalQuality    = "AT+CSQ"
	CmdRegistration     = "AT+CREG?"
	CmdOperator         = "AT+COPS?"
	CmdSimStatus        = "AT+CPIN?"

	// Vendor soft commands (Huawei E3372 family)
	CmdCurcOff      = "AT^CURC=0"
	CmdAutoOperator = "AT+COPS=0"
)

// ResetCommands are the AT-level reset variants, tried in order until one
// is acknowledged.
var ResetCommands = []string{
	"AT^CURC=0",
	"AT+CFUN=0",
	"AT+CFUN=1",
	"AT+CPOWD=1",
	"AT+CPOWD=0",
	"AT+CRESET",
	"AT+CRST",
	"AT+CRESET=1",
	"AT^RESET",
}

// ReadMessage returns the command reading the message stored at index.
func ReadMessage(index int) string {
	return fmt.Sprintf("AT+CMGR=%d", index)
}

// DeleteMessage returns the command deleting the single message at index.
func DeleteMessage(index int) string {
	return fmt.Sprintf("AT+CMGD=%d,0", index)
}

// SendMessage returns the addressed-send command that opens the body prompt.
func SendMessage(recipient string) string {
	return fmt.Sprintf(`AT+CMGS="%s"`, recipient)
}

// EnterPIN returns the command unlocking the SIM with pin.
func EnterPIN(pin string) string {
	return fmt.Sprintf(`AT+CPIN="%s"`, pin)
}
