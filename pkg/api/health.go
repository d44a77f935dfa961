package api

import "net/http"

// Health is the liveness probe.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready is the readiness probe. It answers 503 until configuration and
// the tier list are in place so the scheduler holds traffic back.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"config_loaded":        s.settings != nil,
		"tier_config_path_set": s.settings.TierConfigPath != "",
		"anthropic_key_set":    s.settings.AnthropicAPIKey != "",
		"azure_client_id_set":  s.settings.AzureClientID != "",
		"tier_config_loaded":   s.tiers != nil && s.tiers.Loaded(),
	}

	status, code := "ready", http.StatusOK
	for _, ok := range checks {
		if !ok {
			status, code = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}
