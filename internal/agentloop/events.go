package agentloop

import (
	"encoding/json"

	"github.com/google/uuid"
)

func marshalPayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func newEventID() string {
	return uuid.NewString()
}
