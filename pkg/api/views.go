package api

import (
	"strings"

	"github.com/housecat-inc/ghost/pkg/config"
	"github.com/housecat-inc/ghost/pkg/supervisor"
)

const Logo = `  _|_|_|  _|                              _|
_|        _|_|_|      _|_|      _|_|_|  _|_|_|_|
_|  _|_|  _|    _|  _|    _|  _|_|        _|
_|    _|  _|    _|  _|    _|      _|_|    _|
  _|_|_|  _|    _|    _|_|    _|_|_|        _|_|`

type tokenField struct {
	ID    string
	Label string
	Value string
}

func tokenFields(t config.Tokens) []tokenField {
	return []tokenField{
		{ID: "digitalocean", Label: "DigitalOcean", Value: t.DigitalOcean},
		{ID: "dynadot", Label: "Dynadot", Value: t.Dynadot},
		{ID: "github", Label: "GitHub", Value: t.GitHub},
	}
}

// statusText renders a program status as "running 13 0:05:00".
func statusText(st supervisor.Status) string {
	return strings.ToLower(strings.Join([]string{st.State, st.PID, st.Uptime}, " "))
}

func optionLabel(p Page, app string) string {
	if _, ok := p.Statuses[app]; ok {
		return app + " (running)"
	}
	return app
}
