package control

import "github.com/narrowmargin/peanutpod/internal/pool"

// importRequest is the body of POST /v1/import.
type importRequest struct {
	Candidates []string `json:"candidates"`
}

// retestRequest is the body of POST /v1/retest.
type retestRequest struct {
	UnavailableOnly bool `json:"unavailable_only"`
}

// upstreamRequest is the body of POST /v1/upstream.
type upstreamRequest struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// rotationEnableRequest is the body of POST /v1/rotation/enable.
type rotationEnableRequest struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// chainModeRequest is the body of POST /v1/chain-mode.
type chainModeRequest struct {
	Mode    string `json:"mode"`
	Confirm bool   `json:"confirm"`
}

// statusResponse mirrors Status for JSON encoding.
type statusResponse struct {
	Entries          []pool.Entry `json:"entries"`
	Upstream         string       `json:"upstream"`
	ListenersRunning bool         `json:"listeners_running"`
	ChainMode        string       `json:"chain_mode"`
	RotationEnabled  bool         `json:"rotation_enabled"`
}

func toStatusResponse(s Status) statusResponse {
	return statusResponse{
		Entries:          s.Entries,
		Upstream:         s.Upstream.String(),
		ListenersRunning: s.ListenersRunning,
		ChainMode:        string(s.ChainMode),
		RotationEnabled:  s.RotationEnabled,
	}
}

// apiError is the JSON error envelope for every non-2xx response,
// grounded on the internal/api server shape seen in the packet-logger
// example.
type apiError struct {
	Error string `json:"error"`
}
