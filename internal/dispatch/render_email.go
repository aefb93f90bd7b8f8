package dispatch

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/lookout-dev/lookout/internal/channels"
	"github.com/lookout-dev/lookout/internal/types"
)

// Banner colors per event level.
const (
	colorError   = "#d9534f"
	colorWarning = "#f0ad4e"
	colorInfo    = "#5bc0de"
)

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:0;font-family:Helvetica,Arial,sans-serif;background:#f4f4f4;">
  <div style="max-width:600px;margin:16px auto;background:#ffffff;border-radius:4px;overflow:hidden;">
    <div style="background:{{.Color}};color:#ffffff;padding:16px 24px;">
      <h2 style="margin:0;">{{.LevelLabel}}: {{.Event.Title}}</h2>
    </div>
    <div style="padding:24px;">
      <p>{{.Event.Message}}</p>
      <table style="width:100%;border-collapse:collapse;">
        <tr><td style="padding:4px 0;color:#666;">Server</td><td>{{.Event.ServerName}}</td></tr>
        {{if .Event.ProbeName}}<tr><td style="padding:4px 0;color:#666;">Probe</td><td>{{.Event.ProbeName}}</td></tr>{{end}}
        <tr><td style="padding:4px 0;color:#666;">Time</td><td>{{.LocalTime}}</td></tr>
        {{range $key, $value := .Event.Details}}
        <tr><td style="padding:4px 0;color:#666;">{{$key}}</td><td>{{$value}}</td></tr>
        {{end}}
      </table>
    </div>
  </div>
</body>
</html>`))

type emailData struct {
	Event      Event
	Color      string
	LevelLabel string
	LocalTime  string
}

// renderEmail builds the HTML body and plain-text fallback for one event.
func renderEmail(recipients []string, event Event) (channels.EmailMessage, error) {
	data := emailData{
		Event:      event,
		Color:      levelColor(event.Level),
		LevelLabel: strings.ToUpper(event.Level),
		LocalTime:  event.Timestamp.Local().Format("2006-01-02 15:04:05 MST"),
	}

	var html bytes.Buffer

	if err := emailTemplate.Execute(&html, data); err != nil {
		return channels.EmailMessage{}, fmt.Errorf("render email: %w", err)
	}

	var text strings.Builder
	fmt.Fprintf(&text, "[%s] %s\r\n\r\n", data.LevelLabel, event.Title)
	fmt.Fprintf(&text, "%s\r\n\r\n", event.Message)
	fmt.Fprintf(&text, "Server: %s\r\n", event.ServerName)
	if event.ProbeName != "" {
		fmt.Fprintf(&text, "Probe: %s\r\n", event.ProbeName)
	}
	fmt.Fprintf(&text, "Time: %s\r\n", data.LocalTime)
	for key, value := range event.Details {
		fmt.Fprintf(&text, "%s: %s\r\n", key, value)
	}

	return channels.EmailMessage{
		To:       recipients,
		Subject:  fmt.Sprintf("[%s] %s", data.LevelLabel, event.Title),
		HTMLBody: html.String(),
		TextBody: text.String(),
	}, nil
}

func levelColor(level string) string {
	switch level {
	case types.LevelError:
		return colorError
	case types.LevelWarning:
		return colorWarning
	default:
		return colorInfo
	}
}
