package core

// PairingState is the lifecycle state of a gateway.
type PairingState string

const (
	StatePairing PairingState = "PAIRING"
	StateOnline  PairingState = "ONLINE"
	StateOffline PairingState = "OFFLINE"
	StateError   PairingState = "ERROR"
)

// DeviceStatus is the derived status of a logical device. Sensors report
// Online/Offline; actuators (light, fan, door) report On/Off; automation
// endpoints may report Active/Inactive.
type DeviceStatus string

const (
	DeviceOnline   DeviceStatus = "ONLINE"
	DeviceOffline  DeviceStatus = "OFFLINE"
	DeviceOn       DeviceStatus = "ON"
	DeviceOff      DeviceStatus = "OFF"
	DeviceActive   DeviceStatus = "ACTIVE"
	DeviceInactive DeviceStatus = "INACTIVE"
)

// CommandStatus tracks a queued command. Transitions are one-directional:
// PENDING -> PROCESSED or PENDING -> FAILED, never back.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandProcessed CommandStatus = "PROCESSED"
	CommandFailed    CommandStatus = "FAILED"
)

// AlertKind classifies an emergency notification.
type AlertKind string

const (
	AlertFire    AlertKind = "FIRE"
	AlertGas     AlertKind = "GAS"
	AlertBoth    AlertKind = "BOTH"
	AlertUnknown AlertKind = "UNKNOWN"
	AlertCleared AlertKind = "CLEARED"
)
