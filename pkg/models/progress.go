package models

// ProgressEvent is a structured stage-level progress record published on
// the run's broadcast channel. Terminal events carry State and, for failed
// runs, the error code and message.
type ProgressEvent struct {
	RunID      string    `json:"run_id"`
	Stage      Stage     `json:"stage"`
	Processed  int64     `json:"processed"`
	Total      int64     `json:"total"`
	Rate       float64   `json:"rate"`
	ETASeconds float64   `json:"eta_seconds"`
	State      RunState  `json:"state"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Terminal reports whether this event closes the stream.
func (e ProgressEvent) Terminal() bool {
	return e.State.Terminal()
}
