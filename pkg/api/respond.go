package api

import (
	"encoding/json"
	"html"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError sends {"detail": msg}.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// errorFragment is the inline error shown in place of an HTMX fragment.
func errorFragment(w http.ResponseWriter, status int, msg string) {
	writeHTML(w, status, `<div class="text-red-600 text-sm mt-2">`+html.EscapeString(msg)+`</div>`)
}
