package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Every forwards one progress frame per Every reported steps (default 1).
	Every int `json:"every"`
	// SampleAgents asks for the positions of the first N agents in each frame.
	SampleAgents int `json:"sample_agents,omitempty"`
}

// HTTP response for GET /v1/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	Step            uint64    `json:"step"`
	RunParams       RunParams `json:"run_params"`
}

type RunParams struct {
	Dims     int    `json:"dims"`
	Size     []int  `json:"size"`
	Mode     string `json:"mode"`
	Agents   int    `json:"agents"`
	Seed     int64  `json:"seed"`
	MaxSteps int    `json:"max_steps"`
}

// Server -> Client. Sent at the run's report interval and once at the end
// with Done set.
type ProgressMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Step            uint64 `json:"step"`

	Agents    int   `json:"agents"`
	Arrived   int   `json:"arrived"`
	Moved     int   `json:"moved"`
	Stayed    int   `json:"stayed"`
	Blocked   int   `json:"blocked"`
	Contended int   `json:"contended"`
	StepUS    int64 `json:"step_us"`

	Done   bool   `json:"done,omitempty"`
	Reason string `json:"reason,omitempty"`

	Sample []AgentSample `json:"sample,omitempty"`
}

type AgentSample struct {
	Index int    `json:"index"`
	Pos   [3]int `json:"pos"`
	Goal  [3]int `json:"goal,omitempty"`
}
