package bitrix

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cast"
)

// Session carries the endpoint and bearer token for one portal call. The
// client itself keeps no per-portal state.
type Session struct {
	Endpoint string
	Token    string
}

// CallResult is the normalized outcome of one remote RPC. The CRM signals
// business failure inside a 200 response via the error field; absence of
// that field (or a known "already done" code) is success. Transport
// failures are returned as Go errors instead and mean "outcome unknown".
type CallResult struct {
	OK          bool            `json:"ok"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// AlreadyDone reports whether the call failed with a code that means the
// requested state already holds remotely.
func (r *CallResult) AlreadyDone() bool {
	return alreadyDoneCodes[r.ErrorCode]
}

// alreadyDoneCodes are remote business errors remapped to success: the
// operation's desired end state is already in place.
var alreadyDoneCodes = map[string]bool{
	"ERROR_CONNECTOR_ALREADY_EXISTS": true,
	"ERROR_HANDLER_ALREADY_BIND":     true,
	"ERROR_PLACEMENT_ALREADY_BIND":   true,
}

// RemoteConnector is one entry of the portal's connector registry.
type RemoteConnector struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// Line is one open-line channel on the portal.
type Line struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

// LineStatus is the normalized activity triple for one (connector, line).
type LineStatus struct {
	Registered bool `json:"registered"`
	Active     bool `json:"active"`
	Connected  bool `json:"connected"`
}

// EventBinding is one remote event handler registration.
type EventBinding struct {
	Event   string `json:"event"`
	Handler string `json:"handler"`
}

// PlacementBinding is one remote UI placement registration.
type PlacementBinding struct {
	Placement string `json:"placement"`
	Handler   string `json:"handler"`
	Title     string `json:"title"`
}

// ConnectorData is the display payload shown in the portal's connector
// settings (imconnector.connector.data.set).
type ConnectorData struct {
	Id   string `json:"id"`
	Name string `json:"name"`
	Url  string `json:"url_im"`
}

// normBool collapses the CRM's assorted boolean encodings ("Y"/"N",
// literal booleans, 0/1, "true") into one bool. Never let these leak
// past the client boundary.
func normBool(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "Y", "YES":
			return true
		case "N", "NO", "":
			return false
		}
		return cast.ToBool(t)
	default:
		return cast.ToBool(v)
	}
}

// field looks up the first present key among names, case-insensitively.
// The CRM names the same flag differently depending on endpoint.
func field(m map[string]interface{}, names ...string) (interface{}, bool) {
	for _, n := range names {
		if v, ok := m[n]; ok {
			return v, true
		}
	}
	for k, v := range m {
		for _, n := range names {
			if strings.EqualFold(k, n) {
				return v, true
			}
		}
	}
	return nil, false
}

// parseLineStatus normalizes the status payload. The endpoint sometimes
// answers with a bare boolean and sometimes with an object whose field
// names and casing vary.
func parseLineStatus(raw json.RawMessage) LineStatus {
	if len(raw) == 0 {
		return LineStatus{}
	}

	var b bool
	if err := jsonApi.Unmarshal(raw, &b); err == nil {
		return LineStatus{Registered: b, Active: b, Connected: b}
	}

	var m map[string]interface{}
	if err := jsonApi.Unmarshal(raw, &m); err != nil {
		return LineStatus{}
	}

	var st LineStatus
	if v, ok := field(m, "REGISTER", "REGISTERED"); ok {
		st.Registered = normBool(v)
	}
	if v, ok := field(m, "STATUS", "ACTIVE"); ok {
		st.Active = normBool(v)
	}
	if v, ok := field(m, "CONNECTION", "CONNECTED"); ok {
		st.Connected = normBool(v)
	}
	return st
}
