package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/pulse-sensor/internal/pulse"
	"github.com/sweeney/pulse-sensor/internal/status"
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
	"value": func(s status.SensorStatus) string {
		if s.Reads == 0 {
			return "-"
		}
		if s.Mode == pulse.ModeFrequency {
			return s.Last.Format(s.Digits) + " Hz"
		}
		return s.Last.Format(s.Digits)
	},
	"ago": func(now, then time.Time) string {
		if then.IsZero() {
			return "never"
		}
		return now.Sub(then).Truncate(time.Second).String() + " ago"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="10">
<title>Pulse Sensor</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.connected { color: green; }
.disconnected { color: red; }
.rejected { color: red; }
</style>
</head>
<body>
<h1>Pulse Sensor</h1>

<h2>Sensors</h2>
<table>
<tr><th>Name</th><th>Pin</th><th>Type</th><th>Value</th><th>Last read</th></tr>
{{range .Sensors}}<tr><td>{{.Name}}</td><td>{{.Pin}}</td><td>{{.Mode}}</td><td>{{value .}}</td><td>{{ago $.Now .LastRead}}</td></tr>
{{else}}<tr><td colspan="5">no sensors configured</td></tr>
{{end}}</table>
{{if .Rejected}}
<h2>Rejected</h2>
<ul>
{{range .Rejected}}<li class="rejected">{{.}}</li>
{{end}}</ul>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}{{if .MQTTBuffered}} ({{.MQTTBuffered}} queued){{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Topic prefix</th><td>{{.Config.TopicPrefix}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Run</th><td>{{.RunID}}</td></tr>
<tr><th>GPIO chip</th><td>{{.Config.Chip}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
