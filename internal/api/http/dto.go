package http

// SubmitTaskRequest is the Data Transfer Object for POST /tasks.
type SubmitTaskRequest struct {
	Function string         `json:"function" validate:"required,max=256"`
	Args     []any          `json:"args"`
	Kwargs   map[string]any `json:"kwargs"`
}

// SubmitTaskResponse carries the result of a successful call.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Value  any    `json:"value"`
}

// TaskErrorResponse describes a call that did not produce a result.
type TaskErrorResponse struct {
	TaskID       string   `json:"task_id,omitempty"`
	Error        string   `json:"error"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Details      []string `json:"details,omitempty"`
}
