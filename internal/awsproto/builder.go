package awsproto

import (
	"encoding/json"
	"fmt"
)

// envelope is the outer wrapper shared by every upstream packet.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type alarmBody struct {
	NT        string `json:"nt"`
	Time      uint64 `json:"time"`
	AlarmCode uint32 `json:"alarm_code"`
}

type deviceDataBody struct {
	NT           string  `json:"nt"`
	Time         uint64  `json:"time"`
	SerialNumber string  `json:"serial_number"`
	Battery      uint16  `json:"battery"`
	WeightScale  uint16  `json:"weight_scale"`
	AlarmCode    uint32  `json:"alarm_code"`
	Temp         uint16  `json:"temp"`
	Longitude    float64 `json:"longitude"`
	Lattitude    float64 `json:"lattitude"`
}

type responseBody struct {
	Req string `json:"req"`
	RC  string `json:"rc"`
	HW  string `json:"hw,omitempty"`
	FW  string `json:"fw,omitempty"`
}

// BuildNotification renders a notification packet. An unknown type is a
// distinguishable failure, never a partially built buffer.
func BuildNotification(p NotiParam) ([]byte, error) {
	name, ok := p.Type.Name()
	if !ok {
		return nil, fmt.Errorf("build notification: unknown type %d", p.Type)
	}

	var body any
	switch p.Type {
	case NotiAlarm:
		body = alarmBody{NT: name, Time: p.Time, AlarmCode: p.AlarmCode}
	case NotiDeviceData:
		body = deviceDataBody{
			NT:           name,
			Time:         p.Time,
			SerialNumber: p.Device.SerialNumber,
			Battery:      p.Device.Battery,
			WeightScale:  p.Device.WeightScale,
			AlarmCode:    p.Device.AlarmCode,
			Temp:         p.Device.Temp,
			Longitude:    p.Device.Longitude,
			Lattitude:    p.Device.Lattitude,
		}
	}
	return json.Marshal(envelope{Type: "nt", Data: body})
}

// BuildResponse renders a request/response packet.
func BuildResponse(p RespParam) ([]byte, error) {
	req, ok := p.Req.Name()
	if !ok {
		return nil, fmt.Errorf("build response: unknown request type %d", p.Req)
	}
	rc, ok := p.Res.Name()
	if !ok {
		return nil, fmt.Errorf("build response: unknown result type %d", p.Res)
	}
	return json.Marshal(envelope{Type: "resp", Data: responseBody{Req: req, RC: rc, HW: p.HW, FW: p.FW}})
}
