package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/solar-ems/internal/status"
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
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
	"stateClass": func(s string) string {
		switch s {
		case "ON":
			return "on"
		case "OFF":
			return "off"
		}
		return "unknown"
	},
	"clock": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"age": func(at, sample time.Time) string {
		return fmt.Sprintf("%.0fs", at.Sub(sample).Seconds())
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Solar EMS</title>
<style>
body { font-family: monospace; max-width: 720px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 30%; }
.on { color: green; font-weight: bold; }
.off { color: #888; }
.unknown { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
.small { font-size: 0.85em; color: #555; }
</style>
</head>
<body>
<h1>Solar EMS</h1>

<h2>Loads</h2>
<table>
<tr><th>Load</th><th>State</th><th>Reason</th><th>Runtime today</th></tr>
{{range .Loads}}{{$state := stateOrUnknown (printf "%s" .State)}}<tr>
<td>{{.Name}}</td>
<td id="{{.Name}}-state" class="{{stateClass $state}}">{{$state}}</td>
<td>{{.Reason}}{{range .Evidence}}<br><span class="small">{{.Name}} {{printf "%.1f" .Value}} / {{printf "%.1f" .Limit}}</span>{{end}}</td>
<td>{{uptime .RuntimeToday}}{{if .MaxDailyRun}} of {{uptime .MaxDailyRun}}{{end}}</td>
</tr>
{{else}}<tr><td colspan="4">no loads enabled</td></tr>
{{end}}</table>

<h2>Telemetry</h2>
<table>
{{with .Readings}}<tr><th>Battery</th><td>{{printf "%.2f" .Last.Battery.Voltage}} V (short {{printf "%.2f" .Short.Battery.Voltage}}, long {{printf "%.2f" .Long.Battery.Voltage}})</td></tr>
<tr><th>PV</th><td>{{printf "%.0f" .Last.PV.Power}} W (long {{printf "%.0f" .Long.PV.Power}})</td></tr>
<tr><th>Load</th><td>{{printf "%.0f" .Last.Out.LoadWatt}} W (short {{printf "%.0f" .Short.Out.LoadWatt}}, long {{printf "%.0f" .Long.Out.LoadWatt}})</td></tr>
<tr><th>Sample age</th><td>battery {{age $.TelemetryAt .BatteryAt}}, pv {{age $.TelemetryAt .PVAt}}, out {{age $.TelemetryAt .OutAt}}</td></tr>
{{else}}<tr><th>Readings</th><td class="unknown">none yet</td></tr>
{{end}}<tr><th>Fetched</th><td>{{clock .TelemetryAt}}</td></tr>
<tr><th>Breaker</th><td>{{.Breaker}}</td></tr>
{{if .FetchError}}<tr><th>Last error</th><td class="disconnected">{{.FetchError}} ({{.ConsecutiveFailures}} in a row)</td></tr>{{end}}
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>InfluxDB</th><td>{{.Config.Influx}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .Config.BootID}}<tr><th>Boot ID</th><td>{{.Config.BootID}}</td></tr>{{end}}
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/history.json">History</a> | <a href="/metrics">Metrics</a></p>
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
