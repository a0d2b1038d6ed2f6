// Package errlog implements the persisted fault ring buffer.
//
// The buffer survives reboots as part of the settings record; any subsystem
// that detects a fault pushes a code here and a diagnostic read walks the
// codes oldest-first.
package errlog

// Capacity is the fixed number of retained error codes. Once full, the
// oldest entry is overwritten.
const Capacity = 100

// Code identifies a fault source. The numbering convention is
// <chip><peripheral><error>: first digit 1 on-chip / 2 off-chip, next two
// digits the peripheral type, last two the error code.
type Code uint32

const (
	CodeNone Code = 0

	CodeSDInit           Code = 20000
	CodeSDCommunication  Code = 20001
	CodeRTCInit          Code = 20300
	CodeRTCCommunication Code = 20301
	CodeNVSInit          Code = 20400
	CodeNVSCommunication Code = 20401
	CodeSensorInit       Code = 20500
	CodeSensorRead       Code = 20501
	CodeFSInit           Code = 20600
	CodeCloudConnect     Code = 20700
	CodeCloudPublish     Code = 20701
)

// Log is a fixed-capacity ring buffer of error codes. The zero value is an
// empty log. It is embedded in the persisted settings record, so the exported
// fields map directly onto the stored blob.
type Log struct {
	Codes [Capacity]uint32 `json:"codes"`
	Index uint16           `json:"index"` // next write position
	Count uint16           `json:"count"` // live entries, clamped to Capacity
}

// Push appends a code and reports whether the log changed. A code equal to
// the immediately preceding entry is suppressed; older duplicates are kept.
func (l *Log) Push(code Code) bool {
	if l.Count > 0 {
		prev := (int(l.Index) + Capacity - 1) % Capacity
		if l.Codes[prev] == uint32(code) {
			return false
		}
	}

	l.Codes[l.Index] = uint32(code)
	l.Index++
	if l.Index >= Capacity {
		l.Index = 0
	}
	if l.Count < Capacity {
		l.Count++
	}
	return true
}

// Start returns the position of the oldest live entry. When the buffer has
// wrapped, the oldest entry sits at the write index; before that it is 0.
func (l *Log) Start() uint16 {
	if l.Count >= Capacity {
		return l.Index
	}
	return 0
}

// Walk calls fn for every live entry, oldest first.
func (l *Log) Walk(fn func(Code)) {
	pos := int(l.Start())
	for i := 0; i < int(l.Count); i++ {
		fn(Code(l.Codes[pos]))
		pos++
		if pos >= Capacity {
			pos = 0
		}
	}
}

// Snapshot returns the live entries oldest-first.
func (l *Log) Snapshot() []Code {
	out := make([]Code, 0, l.Count)
	l.Walk(func(c Code) { out = append(out, c) })
	return out
}

// Reset clears the log.
func (l *Log) Reset() {
	*l = Log{}
}
