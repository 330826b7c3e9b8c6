package models

// These structs define the JSON payloads for the HTTP API.

// HealthResponse is the output of the health endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// SetKeysRequest configures API credentials at runtime.
type SetKeysRequest struct {
	GeminiAPIKey string `json:"geminiApiKey"`
}

// IngestRunResponse reports the outcome of a folder scan.
type IngestRunResponse struct {
	SuccessCount int `json:"successCount"`
	FailCount    int `json:"failCount"`
}

// UploadResponse is returned after a direct file upload has been ingested.
type UploadResponse struct {
	ReportID int64  `json:"reportId"`
	Status   string `json:"status"`
}

// SummarizeResponse carries a Gemini summary of a stored report.
type SummarizeResponse struct {
	ReportID int64  `json:"reportId"`
	Summary  string `json:"summary"`
}

// ChatMessage is one turn of a chat history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPromptRequest asks for a fully formatted contextual QA prompt.
type ChatPromptRequest struct {
	ReportID int64         `json:"reportId"`
	History  []ChatMessage `json:"history"`
	Question string        `json:"question"`
}

// ChatPromptResponse is the formatted prompt, ready to send to a model.
type ChatPromptResponse struct {
	Prompt string `json:"prompt"`
}

// CreatePromptRequest stores a new prompt template.
type CreatePromptRequest struct {
	Name         string `json:"name"`
	TemplateText string `json:"templateText"`
	Category     string `json:"category"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
