package gateway

// ErrorResponse is the gateway's error body
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthResponse represents the gateway health check
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// SendRequest is one WhatsApp message to one target
type SendRequest struct {
	DeviceID string `json:"device_id"`
	To       string `json:"to"`
	Message  string `json:"message,omitempty"`
	MediaURL string `json:"media_url,omitempty"`
}

// SendResponse represents the gateway's acceptance of a message
type SendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeviceStatus represents a device session on the gateway
type DeviceStatus struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Phone     string `json:"phone,omitempty"`
}

// Error codes the gateway reports for conditions that end a whole broadcast
const (
	CodeDeviceDisconnected = "device_disconnected"
	CodeDeviceNotFound     = "device_not_found"
	CodeUnavailable        = "unavailable"
)
