package awsproto

import "encoding/json"

// DownstreamKind tags an inbound message on the command topic.
type DownstreamKind uint8

const (
	DownstreamRequest DownstreamKind = iota
	DownstreamAck
	DownstreamUnknown
)

// Downstream is a parsed inbound command-topic message.
type Downstream struct {
	Kind DownstreamKind
	Req  ReqType  // valid when Kind == DownstreamRequest
	Noti NotiType // valid when Kind == DownstreamAck
}

// ParseDownstream decodes a command-topic payload. Requests look like
// `{"type":"req","get_dev_info":{}}`, acks like `{"type":"ack","nt":"alarm"}`.
// Malformed or unrecognized payloads return false.
func ParseDownstream(buf []byte) (Downstream, bool) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(buf, &doc); err != nil {
		return Downstream{}, false
	}

	var typ string
	if raw, ok := doc["type"]; !ok || json.Unmarshal(raw, &typ) != nil {
		return Downstream{}, false
	}

	switch typ {
	case "req":
		for i := range reqTable {
			if _, ok := doc[reqTable[i]]; ok {
				return Downstream{Kind: DownstreamRequest, Req: ReqType(i)}, true
			}
		}
	case "ack":
		raw, ok := doc["nt"]
		if !ok {
			break
		}
		var name string
		if json.Unmarshal(raw, &name) != nil {
			break
		}
		if nt, ok := NotiTypeByName(name); ok {
			return Downstream{Kind: DownstreamAck, Noti: nt}, true
		}
	}
	return Downstream{}, false
}
