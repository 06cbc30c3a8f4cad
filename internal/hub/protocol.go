package hub

// Server-to-client messages. One JSON object per websocket frame.

type JobStateMessage struct {
	Type            string `json:"type"`
	JobID           string `json:"job_id"`
	State           string `json:"state"`
	TotalTasks      int    `json:"total_tasks"`
	CompletedTasks  int    `json:"completed_tasks"`
	FailedTasks     int    `json:"failed_tasks"`
	OkCount         int    `json:"ok_count"`
	ChangedCount    int    `json:"changed_count"`
	FailedCount     int    `json:"failed_count"`
	TerminalMessage string `json:"terminal_message,omitempty"`
	Ts              int64  `json:"ts"`
}

type JobLogMessage struct {
	Type  string       `json:"type"`
	JobID string       `json:"job_id"`
	Lines []JobLogLine `json:"lines"`
	Ts    int64        `json:"ts"`
}

type JobLogLine struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Task    string `json:"task,omitempty"`
}

type JobListMessage struct {
	Type string            `json:"type"`
	List []JobStateMessage `json:"list"`
}

type DownloadStatusMessage struct {
	Type       string `json:"type"`
	DownloadID string `json:"download_id"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	Ts         int64  `json:"ts"`
}

// ClientMessage is what panel clients send upstream. Supported types are
// "subscribe" (scope job_state/job_log delivery to one job) and "cancel".
type ClientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
}

type hubBroadcast struct {
	data  []byte
	jobID string
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
