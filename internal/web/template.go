package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/busylight/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"yesno": func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="30">
<title>Busylight</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.busy { color: red; font-weight: bold; }
.free { color: green; font-weight: bold; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Busylight</h1>

<h2>State</h2>
<table>
<tr><th>Light</th><td id="state" class="{{.StateClass}}">{{.State}}</td></tr>
{{if .Event}}<tr><th>Event</th><td>{{.Event}}</td></tr>{{end}}
<tr><th>Active events</th><td>{{.ActiveEvents}}</td></tr>
<tr><th>Phase</th><td>{{.Phase}}{{if .ErrorFlashing}} (error flash){{end}}</td></tr>
<tr><th>Last check</th><td>{{if .Checked}}{{.LastCheck.UTC.Format "2006-01-02T15:04:05Z"}}{{else}}never{{end}}</td></tr>
</table>

<h2>Today</h2>
<table>
{{range .Agenda}}<tr><th>{{.Span}}</th><td class="{{if .Busy}}busy{{else}}free{{end}}">{{.Title}}</td></tr>
{{else}}<tr><td>No events</td></tr>
{{end}}</table>

<h2>Connectivity</h2>
<table>
<tr><th>Device ({{.Config.Device}})</th><td class="{{if .DeviceVerified}}connected{{else}}disconnected{{end}}">{{yesno .DeviceVerified}}</td></tr>
<tr><th>Calendar ({{.Config.Calendar}})</th><td class="{{if .CalendarVerified}}connected{{else}}disconnected{{end}}">{{yesno .CalendarVerified}}</td></tr>
{{if .Config.Broker}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Instance</th><td>{{.Instance}}</td></tr>
<tr><th>Lead time</th><td>{{.Config.LeadTime}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollInterval}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.Heartbeat 0}}disabled{{else}}{{.Config.Heartbeat}}{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/healthz">health</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime     time.Duration
		State      string
		StateClass string
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	switch {
	case !snap.Checked():
		data.State, data.StateClass = "UNKNOWN", "unknown"
	case snap.Busy:
		data.State, data.StateClass = "BUSY", "busy"
	default:
		data.State, data.StateClass = "FREE", "free"
	}
	indexTmpl.Execute(w, data)
}
