package common

// SoftwareName is the name of this software
const SoftwareName = "randopair"

// SoftwareVersion is the version of this software
const SoftwareVersion = "v1.0.0-alpha"

// APIVersion is the version of the REST API implemented by the server
const APIVersion uint = 1

// InfoResponse is the JSON response to the /info REST method
type InfoResponse struct {
	Software string `json:"software"`
	Version  string `json:"version"`
	API      uint   `json:"apiVersion"`
}

// DeviceInfo is the REST-facing view of a device record
type DeviceInfo struct {
	ID           uint64 `json:"id"`
	DeviceKey    string `json:"deviceid"`
	Available    bool   `json:"available"`
	Blocked      bool   `json:"blocked"`
	BlockedUntil string `json:"blockedUntil,omitempty"`
	Reports      int    `json:"reports"`
}

// RegisterResponse is the JSON response to the /api/deviceid REST method.
// Status is "true" when a new device record was created, "false" when the
// device key was already registered.
type RegisterResponse struct {
	Status  string     `json:"status"`
	Message string     `json:"message,omitempty"`
	Device  DeviceInfo `json:"device"`
	Token   string     `json:"token,omitempty"`
}

// CloseResponse is the JSON response to the /api/appclose REST method
type CloseResponse struct {
	Status string     `json:"status"`
	Device DeviceInfo `json:"device"`
}

// ReportResponse is the JSON response to the /api/deviceid/report REST method
type ReportResponse struct {
	Message string `json:"message"`
}

// ErrorResponse is the JSON body returned alongside 4xx/5xx REST statuses
type ErrorResponse struct {
	Error string `json:"error"`
}
