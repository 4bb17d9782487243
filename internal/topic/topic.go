package topic

import (
	"fmt"
	"strings"
)

// Namespace is the root of every gateway-hub topic.
const Namespace = "gatewayhub"

// Home-scoped channels. The suffix identifies the message kind; the router
// decodes each inbound message once and dispatches on a typed value.
func Commands(homeID string) string     { return fmt.Sprintf("%s/%s/commands", Namespace, homeID) }
func Sensors(homeID string) string      { return fmt.Sprintf("%s/%s/sensors", Namespace, homeID) }
func Status(homeID string) string       { return fmt.Sprintf("%s/%s/status", Namespace, homeID) }
func DeviceStatus(homeID string) string { return fmt.Sprintf("%s/%s/device-status", Namespace, homeID) }
func RFIDCommands(homeID string) string { return fmt.Sprintf("%s/%s/rfid/commands", Namespace, homeID) }
func RFIDAccess(homeID string) string   { return fmt.Sprintf("%s/%s/rfid/access", Namespace, homeID) }
func Alerts(homeID string) string       { return fmt.Sprintf("%s/%s/alerts", Namespace, homeID) }

// Pairing is keyed by serial: the gateway is not home-scoped until the
// credential has been delivered.
func Pairing(serial string) string { return fmt.Sprintf("%s/pairing/%s", Namespace, serial) }

// Kind is the channel suffix of an inbound topic.
type Kind string

const (
	KindUnknown      Kind = ""
	KindSensors      Kind = "sensors"
	KindStatus       Kind = "status"
	KindDeviceStatus Kind = "device-status"
	KindRFIDAccess   Kind = "rfid/access"
)

// Parse splits an inbound home-scoped topic into home id and channel kind.
// Topics outside the namespace or with an unknown suffix return KindUnknown.
func Parse(t string) (homeID string, kind Kind) {
	parts := strings.Split(t, "/")
	if len(parts) < 3 || parts[0] != Namespace {
		return "", KindUnknown
	}
	homeID = parts[1]
	suffix := strings.Join(parts[2:], "/")
	switch suffix {
	case "sensors":
		return homeID, KindSensors
	case "status":
		return homeID, KindStatus
	case "device-status":
		return homeID, KindDeviceStatus
	case "rfid/access":
		return homeID, KindRFIDAccess
	}
	return homeID, KindUnknown
}
