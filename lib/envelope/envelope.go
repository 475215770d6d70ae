// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package envelope defines the JSON message structure shared by the cloud
// relay and the local bus.
package envelope

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// Envelope is the message structure {body, subject, source, destination?}.
// Body is kept raw so that decode/encode round-trips are the identity.
type Envelope struct {
	Body        json.RawMessage `json:"body"`
	Subject     string          `json:"subject"`
	Source      string          `json:"source"`
	Destination string          `json:"destination,omitempty"`
}

// New builds an envelope, marshaling body to JSON.
func New(body any, subject, source, destination string) (Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, trace.Wrap(err, "marshaling envelope body")
	}
	return Envelope{
		Body:        data,
		Subject:     subject,
		Source:      source,
		Destination: destination,
	}, nil
}

// Encode serializes the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	return data, trace.Wrap(err)
}

// Decode parses an envelope from its wire form.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, trace.BadParameter("malformed envelope: %v", err)
	}
	return e, nil
}

// DecodeBody unmarshals the envelope body into out.
func (e Envelope) DecodeBody(out any) error {
	if err := json.Unmarshal(e.Body, out); err != nil {
		return trace.BadParameter("malformed envelope body: %v", err)
	}
	return nil
}

// BodyString returns the body as a plain string when it is a JSON string,
// or the raw JSON text otherwise.
func (e Envelope) BodyString() string {
	var s string
	if err := json.Unmarshal(e.Body, &s); err == nil {
		return s
	}
	return string(e.Body)
}
