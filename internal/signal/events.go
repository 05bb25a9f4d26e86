package signal

import "encoding/json"

// Event names shared with the backend's socket layer.
const (
	evInitiate       = "call:initiate"        // patient dials a doctor
	evInitiateDoctor = "call:initiate-doctor" // doctor dials a patient
	evAccept         = "call:accept"
	evReject         = "call:reject"

	evIncoming = "call:incoming"
	evAccepted = "call:accepted"
	evRejected = "call:rejected"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type initiatePayload struct {
	DoctorID    string `json:"doctorId"`
	PatientID   string `json:"patientId"`
	ChannelName string `json:"channelName"`
	CallerName  string `json:"callerName"`
}

type acceptPayload struct {
	ChannelName string `json:"channelName"`
	ToUserID    string `json:"toUserId"`
}

type rejectPayload struct {
	ToUserID string `json:"toUserId"`
}

type incomingPayload struct {
	From        string `json:"from"`
	FromName    string `json:"fromName"`
	ChannelName string `json:"channelName"`
	Type        string `json:"type"`
}

type acceptedPayload struct {
	ChannelName string `json:"channelName"`
}
