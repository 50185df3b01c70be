package models

// ProgressMessage is the latest known state of an import, as seen by live viewers.
type ProgressMessage struct {
	Status    string `json:"status"`
	Processed int64  `json:"processed"`
	Total     *int64 `json:"total,omitempty"`
	Message   string `json:"message"`
	Sequence  int64  `json:"sequence"`
}

// Terminal reports whether the message closes the stream for its job.
func (m ProgressMessage) Terminal() bool {
	return IsTerminal(m.Status)
}
