package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Model names a recognition algorithm variant offered by the service.
type Model string

const (
	Facenet    Model = "facenet"
	Facenet512 Model = "facenet512"
)

// Models lists the selectable models in display order.
var Models = []Model{Facenet, Facenet512}

// ErrUnknownModel is returned by ParseModel for names outside Models.
var ErrUnknownModel = errors.New("unknown recognition model")

// ParseModel validates a model name.
func ParseModel(name string) (Model, error) {
	for _, m := range Models {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Kind tags an Outcome.
type Kind string

const (
	Recognized       Kind = "recognized"
	Rejected         Kind = "rejected"
	TransportFailure Kind = "transport_failure"
)

const (
	// DefaultRejectMessage is shown when the service rejects without a reason.
	DefaultRejectMessage = "face not recognized"
	// TransportMessage is shown when the service could not be reached.
	TransportMessage = "failed to connect to server"
)

// Outcome is the result of one verification attempt. Only Recognized
// outcomes carry identity fields.
type Outcome struct {
	Kind       Kind      `json:"kind"`
	Name       string    `json:"name,omitempty"`
	NIM        string    `json:"nim,omitempty"`
	Model      string    `json:"model,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Distance   float64   `json:"distance,omitempty"`
	Message    string    `json:"message,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
