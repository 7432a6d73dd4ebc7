// Package templates turns a template key and a small data bag into the
// subject and HTML body stored on a queued email.
package templates

import (
	"bytes"
	"fmt"
	"html/template"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"LokaMail/internal/mailerr"
)

const defaultLinkText = "View Details"

// Data is what callers pass alongside a template key.
type Data struct {
	Message  string            `json:"message,omitempty"`
	Link     string            `json:"link,omitempty"`
	LinkText string            `json:"link_text,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

type Renderer struct {
	baseURL string
	appName string
	layout  *template.Template
	policy  *bluemonday.Policy
}

// NewRenderer builds a renderer resolving relative links against baseURL.
func NewRenderer(baseURL, appName string) *Renderer {
	if appName == "" {
		appName = "LOKA Fleet Management"
	}
	return &Renderer{
		baseURL: strings.TrimRight(baseURL, "/"),
		appName: appName,
		layout:  template.Must(template.New("layout").Parse(layoutHTML)),
		policy:  bluemonday.UGCPolicy(),
	}
}

type layoutData struct {
	AppName  string
	Subject  string
	Message  template.HTML
	Link     string
	LinkText string
	Extra    map[string]string
}

// Render returns the subject and HTML body for key. Unknown keys fail with a
// mailerr.KindTemplateNotFound error.
func (r *Renderer) Render(key string, data Data) (string, string, error) {
	tpl, ok := Lookup(key)
	if !ok {
		return "", "", mailerr.TemplateNotFound(key)
	}

	message := tpl.DefaultText
	if strings.TrimSpace(data.Message) != "" {
		message = data.Message
	}

	ld := layoutData{
		AppName: r.appName,
		Subject: tpl.Subject,
		Message: template.HTML(r.policy.Sanitize(message)), //nolint:gosec
		Extra:   data.Extra,
	}
	if data.Link != "" {
		ld.Link = r.ResolveLink(data.Link)
		ld.LinkText = data.LinkText
		if ld.LinkText == "" {
			ld.LinkText = defaultLinkText
		}
	}

	var buf bytes.Buffer
	if err := r.layout.Execute(&buf, ld); err != nil {
		return "", "", fmt.Errorf("render %s: %w", key, err)
	}

	return tpl.Subject, buf.String(), nil
}

// ResolveLink prefixes relative links with the site base URL. Absolute
// http(s) links are returned unchanged.
func (r *Renderer) ResolveLink(link string) string {
	if u, err := url.Parse(link); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return link
	}
	return r.baseURL + "/" + strings.TrimLeft(link, "/")
}

// ControlSubject prefixes subject with the business request's control number.
func ControlSubject(requestID int64, subject string) string {
	if requestID <= 0 {
		return subject
	}
	return fmt.Sprintf("Control No. %d: %s", requestID, subject)
}

const layoutHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Subject}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f6f9;font-family:Arial,Helvetica,sans-serif;">
<table role="presentation" width="100%" cellspacing="0" cellpadding="0" style="background-color:#f4f6f9;padding:24px 0;">
<tr><td align="center">
<table role="presentation" width="600" cellspacing="0" cellpadding="0" style="background-color:#ffffff;border-radius:6px;overflow:hidden;">
<tr><td style="background-color:#0d6efd;color:#ffffff;padding:20px 24px;font-size:20px;font-weight:bold;">{{.AppName}}</td></tr>
<tr><td style="padding:24px;color:#212529;font-size:15px;line-height:1.6;">
<h2 style="margin-top:0;font-size:18px;">{{.Subject}}</h2>
<p>{{.Message}}</p>
{{- if .Extra}}
<table role="presentation" cellspacing="0" cellpadding="4" style="font-size:14px;">
{{- range $k, $v := .Extra}}
<tr><td style="color:#6c757d;">{{$k}}</td><td>{{$v}}</td></tr>
{{- end}}
</table>
{{- end}}
{{- if .Link}}
<p style="margin:28px 0;"><a href="{{.Link}}" style="background-color:#0d6efd;color:#ffffff;padding:12px 22px;border-radius:4px;text-decoration:none;display:inline-block;">{{.LinkText}}</a></p>
{{- end}}
</td></tr>
<tr><td style="padding:16px 24px;background-color:#f8f9fa;color:#6c757d;font-size:12px;">This is an automated message from {{.AppName}}. Please do not reply.</td></tr>
</table>
</td></tr>
</table>
</body>
</html>
`
