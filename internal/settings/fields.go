package settings

// Field names accepted by StoreField/LoadField.
const (
	FieldDev             = "dev"
	FieldThingName       = "thing_name"
	FieldMACAddr         = "mac_device_addr"
	FieldProvisionStatus = "provision_status"
	FieldOTA             = "ota"
	FieldWiFi            = "wifi"
	FieldSoftAP          = "soft_ap"
	FieldProperties      = "properties"
	FieldErrorLog        = "error_log"
)

// fieldDef maps a field name onto its fixed short storage key and a pointer
// into the in-memory record. Keys are four-digit strings, assigned once and
// never reused; renumbering requires a DataVersion bump.
type fieldDef struct {
	name string
	key  string
	ptr  func(*Data) any
}

// fieldTable is the full set of individually persisted fields, in storage
// order. StoreAll/LoadAll iterate it; StoreField/LoadField look names up in
// it. DataVersion itself lives under a separate key (versionKey).
var fieldTable = []fieldDef{
	{FieldDev, "0001", func(d *Data) any { return &d.Dev }},
	{FieldThingName, "0002", func(d *Data) any { return &d.ThingName }},
	{FieldMACAddr, "0003", func(d *Data) any { return &d.MACAddr }},
	{FieldProvisionStatus, "0004", func(d *Data) any { return &d.ProvisionStatus }},
	{FieldOTA, "0005", func(d *Data) any { return &d.OTA }},
	{FieldWiFi, "0006", func(d *Data) any { return &d.WiFi }},
	{FieldSoftAP, "0007", func(d *Data) any { return &d.SoftAP }},
	{FieldProperties, "0008", func(d *Data) any { return &d.Properties }},
	{FieldErrorLog, "0009", func(d *Data) any { return &d.ErrorLog }},
}

func lookupField(name string) (fieldDef, bool) {
	for _, f := range fieldTable {
		if f.name == name {
			return f, true
		}
	}
	return fieldDef{}, false
}
