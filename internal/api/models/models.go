// Package models holds the request and response bodies of the agent API.
package models

import "time"

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Agent version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2025-01-27 14:30" doc:"Build timestamp"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go compiler version"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Backend status models
type BackendStatusData struct {
	State               string `json:"state" example:"running" doc:"Supervisor state"`
	Connection          string `json:"connection" example:"connected" doc:"Coarse connection state for the GUI: disconnected, connecting, connected, error"`
	Reason              string `json:"reason,omitempty" doc:"Human-readable reason for error states"`
	Remedy              string `json:"remedy,omitempty" doc:"Suggested manual remedy for error states"`
	AttemptsUsed        int    `json:"attempts_used" example:"0" doc:"Restart attempts consumed from the budget"`
	MaxAttempts         int    `json:"max_attempts" example:"5" doc:"Restart budget ceiling"`
	ConsecutiveFailures int    `json:"consecutive_failures" example:"0" doc:"Current consecutive health check failures"`
	RestartCount        int    `json:"restart_count" example:"0" doc:"Restarts performed since agent start"`
	RestartDelay        string `json:"restart_delay,omitempty" example:"2s" doc:"Backoff delay of a pending restart, empty unless restarting"`
	Monitoring          bool   `json:"monitoring" example:"true" doc:"Whether the supervisor is actively watching the backend"`
	Adopted             bool   `json:"adopted" example:"false" doc:"Whether the backend was adopted rather than spawned"`
	PID                 int    `json:"pid,omitempty" example:"12345" doc:"Backend process id when spawned by the agent"`
	Port                int    `json:"port" example:"8000" doc:"Backend port"`
}

type BackendStatusResponse struct {
	Body BackendStatusData
}

// ActionData is the generic acknowledgement for control actions.
type ActionData struct {
	Message string `json:"message" example:"Backend starting" doc:"Status message"`
}

type ActionResponse struct {
	Body ActionData
}

// Log models
type LogEntryData struct {
	Timestamp  time.Time      `json:"timestamp" doc:"Entry timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"supervisor" doc:"Originating module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Buffered log entries, oldest first"`
	Count   int            `json:"count" example:"250" doc:"Number of entries returned"`
}

type LogsResponse struct {
	Body LogsData
}

// Update models
type UpdateCheckData struct {
	CurrentVersion  string    `json:"current_version" example:"1.0.0" doc:"Currently installed version"`
	LatestVersion   string    `json:"latest_version" example:"1.1.0" doc:"Latest available version"`
	ReleaseNotes    string    `json:"release_notes" doc:"Markdown release notes"`
	ReleaseURL      string    `json:"release_url" doc:"URL to the release page"`
	PublishedAt     time.Time `json:"published_at" doc:"When the release was published"`
	AssetSize       int       `json:"asset_size" example:"5242880" doc:"Size of the update in bytes"`
	UpdateAvailable bool      `json:"update_available" example:"true" doc:"Whether an update is available"`
}

type UpdateCheckResponse struct {
	Body UpdateCheckData
}

type UpdateStatusData struct {
	State          string     `json:"state" example:"idle" doc:"Current update state"`
	CurrentVersion string     `json:"current_version" example:"1.0.0" doc:"Current version"`
	TargetVersion  string     `json:"target_version,omitempty" example:"1.1.0" doc:"Version being updated to"`
	Error          string     `json:"error,omitempty" doc:"Error message if in error state"`
	LastChecked    *time.Time `json:"last_checked,omitempty" doc:"When updates were last checked"`
}

type UpdateStatusResponse struct {
	Body UpdateStatusData
}

type UpdateApplyResponse struct {
	Body ActionData
}
