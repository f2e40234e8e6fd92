// Package wire defines the JSON message protocol spoken on FlareWatch push
// connections. Every server frame is an Envelope carrying a typed payload;
// client frames are small ClientMessage commands.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flarewatch/server/internal/alert"
)

// Server → client message types.
const (
	TypeAlert             = "alert"
	TypeHeartbeat         = "heartbeat"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeConnection        = "connection"
	TypeAuthSuccess       = "auth_success"
	TypeAuthError         = "auth_error"
	TypeThresholdsUpdated = "thresholds_updated"
	TypeError             = "error"
)

// Client → server message types.
const (
	TypeClientHeartbeat  = "heartbeat"
	TypeAuthenticate     = "authenticate"
	TypeUpdateThresholds = "update_thresholds"
)

// Envelope is the top-level JSON frame pushed to clients. Timestamp is the
// send time in RFC 3339 UTC.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// AlertData is the payload of a TypeAlert envelope.
type AlertData struct {
	AlertID          string  `json:"alert_id"`
	PredictionID     string  `json:"prediction_id"`
	Timestamp        string  `json:"timestamp"`
	FlareProbability float64 `json:"flare_probability"`
	SeverityLevel    string  `json:"severity_level"`
	AlertTriggered   bool    `json:"alert_triggered"`
	Message          string  `json:"message"`
	ModelVersion     string  `json:"model_version"`
	ConfidenceScore  float64 `json:"confidence_score"`
}

// ConnectionData is the payload of the TypeConnection envelope sent once on
// connect, and of the TypeAuthSuccess envelope after a successful handshake.
type ConnectionData struct {
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
	Tier          string `json:"tier"`
	Message       string `json:"message,omitempty"`
}

// ThresholdsData is the payload of a TypeThresholdsUpdated acknowledgement.
type ThresholdsData struct {
	Thresholds alert.Thresholds `json:"thresholds"`
}

// AckData is the payload of heartbeat and heartbeat_ack envelopes.
type AckData struct {
	Message string `json:"message,omitempty"`
}

// ErrorData is the payload of a TypeError or TypeAuthError envelope.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientMessage is a single command frame received from a client. Token is
// set for authenticate, Thresholds for update_thresholds; heartbeat carries
// only the type.
type ClientMessage struct {
	Type       string            `json:"type"`
	Token      string            `json:"token,omitempty"`
	Thresholds *alert.Thresholds `json:"thresholds,omitempty"`
}

// DecodeClientMessage parses a raw client frame.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("wire: malformed client message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("wire: client message missing type")
	}
	return msg, nil
}

// Encode marshals data into an Envelope of the given type stamped with the
// current time.
func Encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", typ, err)
	}
	frame, err := json.Marshal(Envelope{
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s envelope: %w", typ, err)
	}
	return frame, nil
}

// EncodeAlert builds a TypeAlert frame from a fired alert.
func EncodeAlert(a alert.Alert) ([]byte, error) {
	return Encode(TypeAlert, AlertData{
		AlertID:          a.AlertID,
		PredictionID:     a.PredictionID,
		Timestamp:        a.Timestamp.UTC().Format(time.RFC3339),
		FlareProbability: a.Probability,
		SeverityLevel:    string(a.Severity),
		AlertTriggered:   true,
		Message:          a.Message,
		ModelVersion:     a.ModelVersion,
		ConfidenceScore:  a.Confidence,
	})
}

// Heartbeat builds a TypeHeartbeat frame. The envelope timestamp carries the
// server time.
func Heartbeat() []byte {
	frame, err := Encode(TypeHeartbeat, AckData{})
	if err != nil {
		// Marshalling a fixed payload cannot fail.
		panic(err)
	}
	return frame
}
