package api

// Version is the release of the server and client. Release builds set it
// with -ldflags "-X teamchat/internal/api.Version=...".
var Version = "0.1.0"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
