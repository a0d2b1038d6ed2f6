// Package awsproto builds and parses the JSON payloads exchanged with the
// cloud backend: notifications and responses on the upstream topic, requests
// and acks on the downstream topic, and shadow document leaves.
//
// Everything here is a pure transform over byte slices; no network, no
// storage, no hidden state besides the enum/name lookup tables.
package awsproto

// PacketType tags the payload variant carried by a publish action.
type PacketType uint8

const (
	PacketResponse PacketType = iota
	PacketNotification
	PacketAck

	PacketUnknown
)

// NotiType identifies a notification shape.
type NotiType uint8

const (
	NotiAlarm NotiType = iota
	NotiDeviceData

	NotiUnknown
)

// ReqType identifies a downstream request.
type ReqType uint8

const (
	ReqGetDeviceInfo ReqType = iota

	ReqUnknown
)

// ResType identifies a response result code.
type ResType uint8

const (
	ResOK ResType = iota
	ResBusy
	ResInvalidParam
	ResInvalidOperation

	ResUnknown
)

type notiInfo struct {
	name string
	ack  bool // peer is expected to acknowledge
}

var notiTable = [NotiUnknown]notiInfo{
	NotiAlarm:      {name: "alarm", ack: true},
	NotiDeviceData: {name: "device_data", ack: true},
}

var reqTable = [ReqUnknown]string{
	ReqGetDeviceInfo: "get_dev_info",
}

var resTable = [ResUnknown]string{
	ResOK:               "ok",
	ResBusy:             "busy",
	ResInvalidParam:     "invalid_param",
	ResInvalidOperation: "invalid_operation",
}

// Name returns the wire name of a notification type.
func (t NotiType) Name() (string, bool) {
	if t >= NotiUnknown {
		return "", false
	}
	return notiTable[t].name, true
}

// WantsAck reports whether the peer acknowledges this notification type.
func (t NotiType) WantsAck() bool {
	return t < NotiUnknown && notiTable[t].ack
}

// NotiTypeByName is the reverse lookup of Name.
func NotiTypeByName(name string) (NotiType, bool) {
	for i := range notiTable {
		if notiTable[i].name == name {
			return NotiType(i), true
		}
	}
	return NotiUnknown, false
}

// Name returns the wire name of a request type.
func (t ReqType) Name() (string, bool) {
	if t >= ReqUnknown {
		return "", false
	}
	return reqTable[t], true
}

// ReqTypeByName is the reverse lookup of Name.
func ReqTypeByName(name string) (ReqType, bool) {
	for i := range reqTable {
		if reqTable[i] == name {
			return ReqType(i), true
		}
	}
	return ReqUnknown, false
}

// Name returns the wire name of a result code.
func (t ResType) Name() (string, bool) {
	if t >= ResUnknown {
		return "", false
	}
	return resTable[t], true
}

// DeviceData is the measurement report carried by a device_data notification.
type DeviceData struct {
	SerialNumber string
	Battery      uint16 // percent
	WeightScale  uint16 // dg
	AlarmCode    uint32
	Temp         uint16 // tenths of a degree
	Longitude    float64
	Lattitude    float64
}

// NotiParam describes one notification to build.
type NotiParam struct {
	Type      NotiType
	Time      uint64 // epoch seconds
	AlarmCode uint32
	Device    DeviceData
}

// RespParam describes one response to build.
type RespParam struct {
	Req ReqType
	Res ResType
	HW  string
	FW  string
}
