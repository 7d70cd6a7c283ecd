package health

// UnknownRSSI is the +CSQ value for a signal that is not known or not
// detectable.
const UnknownRSSI = 99

// Signal strength words reported in NetworkStatus.
const (
	SignalUnknown   = "unknown"
	SignalExcellent = "excellent"
	SignalGood      = "good"
	SignalFair      = "fair"
	SignalPoor      = "poor"
	SignalVeryPoor  = "very_poor"
)

var wordPercent = map[string]int{
	SignalExcellent: 100,
	SignalGood:      75,
	SignalFair:      50,
	SignalPoor:      25,
}

// SignalWord maps a raw RSSI reading onto the word scale.
func SignalWord(rssi int) string {
	switch {
	case rssi == UnknownRSSI:
		return SignalUnknown
	case rssi >= 20:
		return SignalExcellent
	case rssi >= 15:
		return SignalGood
	case rssi >= 10:
		return SignalFair
	case rssi >= 5:
		return SignalPoor
	default:
		return SignalVeryPoor
	}
}

// SignalPercent converts an RSSI reading in 0..31 to 0..100. Readings
// outside that range fall back to the percentage of their word.
func SignalPercent(rssi int) int {
	if rssi >= 0 && rssi <= 31 {
		return rssi * 100 / 31
	}
	if rssi == UnknownRSSI {
		return 0
	}
	return WordPercent(SignalWord(rssi))
}

// WordPercent returns the nominal percentage of a signal word.
func WordPercent(word string) int {
	return wordPercent[word]
}
