package report

import (
	"bytes"
	"html/template"
)

var errorPageTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{margin:0;min-height:100vh;display:flex;align-items:center;justify-content:center;background:#0f1117;color:#e6e6e6;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif}
.card{max-width:560px;padding:32px 40px;border:1px solid #2a2f3a;border-radius:12px;background:#161a22;text-align:center}
h1{margin:0 0 12px;font-size:22px;color:#ff7b72}
p{margin:0 0 24px;line-height:1.5;color:#b0b6c3;word-break:break-word}
button{padding:10px 22px;border:0;border-radius:8px;background:#3b82f6;color:#fff;font-size:14px;cursor:pointer}
button:hover{background:#2563eb}
</style>
</head>
<body>
<div class="card">
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
<button type="button" onclick="window.location.reload()">Retry</button>
</div>
</body>
</html>
`))

// ErrorPage renders the self-contained page served with 404 responses.
func ErrorPage(title, message string) string {
	var buf bytes.Buffer
	_ = errorPageTmpl.Execute(&buf, struct{ Title, Message string }{title, message})
	return buf.String()
}

var rawPageTmpl = template.Must(template.New("raw").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Raw report: {{.Name}}</title>
<style>
html,body{margin:0;height:100%;background:#0f1117;color:#e6e6e6;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif}
header{display:flex;align-items:center;justify-content:space-between;padding:12px 20px;border-bottom:1px solid #2a2f3a;background:#161a22}
header h1{margin:0;font-size:15px;font-weight:600}
header a{color:#8ab4f8;text-decoration:none;font-size:13px;margin-left:16px}
iframe{display:block;width:100%;height:calc(100% - 50px);border:0;background:#fff}
</style>
</head>
<body>
<header>
<h1>{{.Name}}</h1>
<nav><a href="/external-report/{{.Name}}" target="_blank">Open</a><a href="/download-report/{{.Name}}">Download</a></nav>
</header>
<iframe title="{{.Name}}" sandbox="allow-same-origin allow-scripts allow-popups" srcdoc="{{.Body}}"></iframe>
</body>
</html>
`))

// RawPage wraps report HTML in the styled raw viewer. The report is
// embedded through srcdoc so its own styles and scripts stay isolated.
func RawPage(name, body string) string {
	var buf bytes.Buffer
	_ = rawPageTmpl.Execute(&buf, struct{ Name, Body string }{name, body})
	return buf.String()
}
