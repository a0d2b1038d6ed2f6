package awsproto

import "encoding/json"

// ShadowName identifies a named shadow document.
type ShadowName uint8

const (
	ShadowFirmwareID ShadowName = iota
	ShadowScaleTare

	shadowCount
)

// shadowTable maps each shadow onto its wire name, which doubles as the JSON
// key of the document's single leaf value.
var shadowTable = [shadowCount]string{
	ShadowFirmwareID: "firmware_id",
	ShadowScaleTare:  "scale_tare",
}

// Name returns the wire name of a shadow.
func (n ShadowName) Name() (string, bool) {
	if n >= shadowCount {
		return "", false
	}
	return shadowTable[n], true
}

// ShadowByName is the reverse lookup of Name.
func ShadowByName(name string) (ShadowName, bool) {
	for i := range shadowTable {
		if shadowTable[i] == name {
			return ShadowName(i), true
		}
	}
	return shadowCount, false
}

// ShadowNames returns every known shadow, in registry order.
func ShadowNames() []ShadowName {
	out := make([]ShadowName, shadowCount)
	for i := range out {
		out[i] = ShadowName(i)
	}
	return out
}

// ParseShadowPacket scans buf, a shadow state sub-document such as
// `{"scale_tare":250}`, for the field belonging to name and decodes it into
// out. Out must be *uint16 for ShadowScaleTare and *string for
// ShadowFirmwareID. On any failure out is left untouched and false is
// returned; there is never a partial result.
func ParseShadowPacket(name ShadowName, buf []byte, out any) bool {
	key, ok := name.Name()
	if !ok {
		return false
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(buf, &doc); err != nil {
		return false
	}
	raw, ok := doc[key]
	if !ok {
		return false
	}

	switch name {
	case ShadowScaleTare:
		p, ok := out.(*uint16)
		if !ok {
			return false
		}
		var v uint16
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		*p = v
	case ShadowFirmwareID:
		p, ok := out.(*string)
		if !ok {
			return false
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return false
		}
		*p = v
	default:
		return false
	}
	return true
}

// shadowState is the standard shadow document envelope.
type shadowState struct {
	State struct {
		Desired  json.RawMessage `json:"desired"`
		Reported json.RawMessage `json:"reported"`
	} `json:"state"`
}

// ExtractDesired pulls the desired sub-document out of a full shadow
// document (`{"state":{"desired":{...},"reported":{...}}}`). A delta
// document, whose state object carries the changed leaves directly, is
// handled by falling back to the raw state object.
func ExtractDesired(buf []byte) ([]byte, bool) {
	var doc shadowState
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, false
	}
	if len(doc.State.Desired) > 0 {
		return doc.State.Desired, true
	}

	var raw struct {
		State json.RawMessage `json:"state"`
	}
	if err := json.Unmarshal(buf, &raw); err != nil || len(raw.State) == 0 {
		return nil, false
	}
	return raw.State, true
}

// BuildShadowUpdate renders a shadow update document carrying the same leaf
// under both desired and reported, mirroring how the device publishes its
// authoritative local value.
func BuildShadowUpdate(name ShadowName, value any) ([]byte, error) {
	key, ok := name.Name()
	if !ok {
		return nil, &UnknownShadowError{Name: name}
	}
	leaf := map[string]any{key: value}
	doc := map[string]any{
		"state": map[string]any{
			"desired":  leaf,
			"reported": leaf,
		},
	}
	return json.Marshal(doc)
}

// UnknownShadowError reports a shadow name outside the registry.
type UnknownShadowError struct {
	Name ShadowName
}

func (e *UnknownShadowError) Error() string {
	return "unknown shadow name"
}
