package edl

import (
	"github.com/behrlich/go-edl/internal/sahara"
	"github.com/behrlich/go-edl/internal/scan"
)

// DeviceInfo is everything a session learned about the attached device:
// chip identity from Sahara command mode plus whatever the partition
// scans surfaced. Fields stay empty when nothing provided a value.
type DeviceInfo struct {
	Model          string
	MarketName     string
	Brand          string
	Device         string
	OTAVersion     string
	Incremental    string
	Fingerprint    string
	BuildDisplay   string
	AndroidVersion string
	SecurityPatch  string
	IMEI           string
	IMEI2          string
	UnlockState    string

	Chip sahara.ChipIdentity
}

// fields maps scan result keys onto DeviceInfo fields.
func (d *DeviceInfo) fields() map[string]*string {
	return map[string]*string{
		"model":           &d.Model,
		"marketname":      &d.MarketName,
		"brand":           &d.Brand,
		"device":          &d.Device,
		"ota":             &d.OTAVersion,
		"incremental":     &d.Incremental,
		"fingerprint":     &d.Fingerprint,
		"build_display":   &d.BuildDisplay,
		"android_version": &d.AndroidVersion,
		"security_patch":  &d.SecurityPatch,
		"imei":            &d.IMEI,
		"imei2":           &d.IMEI2,
		"unlock_state":    &d.UnlockState,
	}
}

// merge folds a scan result in, first non-empty value wins.
func (d *DeviceInfo) merge(result scan.Result) {
	for key, field := range d.fields() {
		if *field == "" {
			*field = result[key]
		}
	}
}
