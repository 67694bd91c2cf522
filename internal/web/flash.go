package web

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
)

// Flash categories
const (
	FlashSuccess = "success"
	FlashError   = "error"
	FlashWarning = "warning"
)

const (
	flashCookie = "flash"
	// keeps the encoded cookie well under the 4KB browser limit
	maxFlashes = 8
)

// Flash is a one-shot message shown on the next rendered page
type Flash struct {
	Category string `json:"c"`
	Message  string `json:"m"`
}

func setFlashes(w http.ResponseWriter, flashes []Flash) {
	if len(flashes) == 0 {
		return
	}
	if len(flashes) > maxFlashes {
		flashes = flashes[:maxFlashes]
	}
	raw, err := json.Marshal(flashes)
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlashes reads the pending flashes and expires the cookie
func popFlashes(w http.ResponseWriter, r *http.Request) []Flash {
	c, err := r.Cookie(flashCookie)
	if err != nil {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil
	}
	var flashes []Flash
	if err := json.Unmarshal(raw, &flashes); err != nil {
		return nil
	}
	return flashes
}
