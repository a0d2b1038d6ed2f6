package settings

import "lox-agent/internal/errlog"

// DataVersion is the revision of the persisted Data layout. Every time Data
// changes shape this value must be bumped; a stored version that differs is
// erased wholesale and reset to defaults.
const DataVersion uint32 = 0x000000A2

// Device identity flag values (tri-state provisioning progress).
const (
	QRCodeNotSet    uint8 = 0x00 // no identity code received yet
	QRCodeSet       uint8 = 0x11 // code received, not yet confirmed by cloud
	QRCodeConfirmed uint8 = 0x22 // registration accepted by cloud
)

// Provisioning status values.
const (
	ProvisionNone uint8 = 0x11
	ProvisionDone uint8 = 0x22
)

// WiFiMode is the last persisted radio mode.
type WiFiMode uint8

const (
	WiFiModeUnknown WiFiMode = iota
	WiFiModeStation
	WiFiModeAccessPoint
)

func (m WiFiMode) String() string {
	switch m {
	case WiFiModeStation:
		return "station"
	case WiFiModeAccessPoint:
		return "access_point"
	default:
		return "unknown"
	}
}

// OTA outcome values, persisted across the reboot into the new firmware so
// the post-upgrade boot can report job status.
const (
	OTAStateNone uint8 = iota
	OTAStateFailed
	OTAStateSucceeded
)

// DeviceIdentity carries the externally supplied provisioning code and its
// confirmation flag.
type DeviceIdentity struct {
	QRCode string `json:"qr_code"`
	Flag   uint8  `json:"qr_code_flag"`
}

// OTAState tracks a pending or completed firmware upgrade.
type OTAState struct {
	Status uint8  `json:"status"`
	Enable bool   `json:"enable"`
	URL    string `json:"url"`
}

// WiFiCredentials holds station credentials and the last persisted mode.
type WiFiCredentials struct {
	SSID     string   `json:"ssid"`
	Password string   `json:"password"`
	Mode     WiFiMode `json:"mode"`
}

// HasCredentials reports whether both SSID and password are set.
func (w WiFiCredentials) HasCredentials() bool {
	return w.SSID != "" && w.Password != ""
}

// SoftAPConfig holds the local access point used for portal setup.
type SoftAPConfig struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	IsChange bool   `json:"is_change"`
}

// Properties are the user-tunable operational parameters, mutable at runtime
// via the local portal or the cloud shadow.
type Properties struct {
	SleepDuration uint16 `json:"sleep_duration"` // seconds between report cycles
	TransmitDelay uint16 `json:"transmit_delay"` // seconds between packets in a cycle
	OfflineCount  uint16 `json:"offline_cnt"`
	ScaleTare     uint16 `json:"scale_tare"` // dg, shadow-owned calibration offset
}

// Data is the single persisted configuration record. Fields are stored and
// loaded individually by name through the field table in fields.go; the
// record is only written wholesale at version migration or factory reset.
type Data struct {
	DataVersion     uint32          `json:"data_version"`
	Dev             DeviceIdentity  `json:"dev"`
	ThingName       string          `json:"thing_name"`
	MACAddr         string          `json:"mac_device_addr"`
	ProvisionStatus uint8           `json:"provision_status"`
	OTA             OTAState        `json:"ota"`
	WiFi            WiFiCredentials `json:"wifi"`
	SoftAP          SoftAPConfig    `json:"soft_ap"`
	Properties      Properties      `json:"properties"`
	ErrorLog        errlog.Log      `json:"error_log"`
}

// Defaults used when the store is created or reset.
const (
	DefaultSoftAPSSID     = "Lox-Device"
	DefaultSoftAPPassword = "loxdevice"
	DefaultSleepDuration  = 30
	DefaultTransmitDelay  = 5
)

// resetData overwrites d with compiled-in defaults.
func resetData(d *Data) {
	*d = Data{}
	d.DataVersion = DataVersion
	d.ProvisionStatus = ProvisionNone
	d.Properties.SleepDuration = DefaultSleepDuration
	d.Properties.TransmitDelay = DefaultTransmitDelay
	d.SoftAP.SSID = DefaultSoftAPSSID
	d.SoftAP.Password = DefaultSoftAPPassword
}
