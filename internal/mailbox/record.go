package mailbox

import (
	"bytes"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RecordID identifies a stored mail. The service emits it as either a JSON
// number or a string.
type RecordID string

// UnmarshalJSON accepts both numeric and string identifiers.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RecordID(s)
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	var n jsoniter.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(string(n), 64); err != nil {
		return err
	}
	*id = RecordID(n)
	return nil
}

// Record is one message as returned by the admin listing endpoint.
type Record struct {
	ID      RecordID `json:"id"`
	Address string   `json:"address"`
	Source  string   `json:"source"`
	// Raw is the undecoded message body, usually quoted-printable HTML.
	Raw string `json:"raw"`
	// Metadata is either a JSON object or a JSON string holding a serialized
	// object, depending on how the service stored it.
	Metadata jsoniter.RawMessage `json:"metadata,omitempty"`
}

type listResponse struct {
	Results []Record `json:"results"`
	Count   int      `json:"count,omitempty"`
}
