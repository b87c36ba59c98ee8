package health

type healthResponse struct {
	Status    string `json:"status"`    // ok or unhealthy
	Timestamp string `json:"timestamp"` // RFC3339
	Uptime    string `json:"uptime"`
	Sessions  int    `json:"sessions"`
}
