package report

import "html/template"

type landingPage struct {
	Title           string
	RunID           string
	Timestamp       string
	Prompt          string
	Summary         template.HTML
	Entries         []landingEntry
	Total           int
	FinalScreenshot string
	NexusURL        string
	RawURL          string
}

var landingTmpl = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} - {{.RunID}}</title>
<style>
*{box-sizing:border-box}
body{margin:0;background:#0f1117;color:#e6e6e6;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,sans-serif;line-height:1.5}
main{max-width:1040px;margin:0 auto;padding:32px 24px 64px}
header{display:flex;justify-content:space-between;align-items:flex-start;gap:24px;margin-bottom:24px}
h1{margin:0;font-size:26px}
.meta{color:#8b93a7;font-size:13px}
.actions a,.actions button{display:inline-block;margin-left:8px;padding:8px 16px;border-radius:8px;border:1px solid #3b82f6;background:transparent;color:#8ab4f8;text-decoration:none;font-size:14px;cursor:pointer}
.actions a.primary{background:#3b82f6;color:#fff}
section{margin-top:24px;padding:20px;border:1px solid #2a2f3a;border-radius:12px;background:#161a22}
section h2{margin:0 0 12px;font-size:16px;color:#c9d1d9}
.prompt{white-space:pre-wrap;color:#c9d1d9}
.entry{margin-bottom:16px;padding-bottom:16px;border-bottom:1px solid #222733}
.entry:last-child{border-bottom:0;margin-bottom:0;padding-bottom:0}
.entry h3{margin:0 0 8px;font-size:14px;color:#8b93a7}
pre{margin:0;padding:12px;border-radius:8px;background:#0b0d12;overflow-x:auto;white-space:pre-wrap;word-break:break-word;font-size:12px}
pre.error{color:#ff7b72;border-left:3px solid #ff7b72}
img.shot{max-width:100%;border-radius:8px;border:1px solid #2a2f3a;cursor:zoom-in}
.more{color:#8b93a7;font-size:13px}
#lightbox,#modal{display:none;position:fixed;inset:0;background:rgba(0,0,0,.85);z-index:10;align-items:center;justify-content:center}
#lightbox img{max-width:92vw;max-height:92vh;border-radius:8px}
#modal .frame{width:92vw;height:88vh;background:#fff;border-radius:10px;overflow:hidden;position:relative}
#modal iframe{width:100%;height:100%;border:0}
.close{position:absolute;top:16px;right:24px;color:#fff;font-size:28px;cursor:pointer;z-index:11}
</style>
</head>
<body>
<main>
<header>
<div>
<h1>{{.Title}}</h1>
<div class="meta">Run {{.RunID}} &middot; {{.Timestamp}}</div>
</div>
<div class="actions">
<a class="primary" href="{{.NexusURL}}" target="_blank" rel="noopener">Replay</a>
<button type="button" onclick="openModal({{.NexusURL}})">Inspect</button>
<a href="{{.RawURL}}" target="_blank" rel="noopener">Raw</a>
</div>
</header>

<section>
<h2>Prompt</h2>
<div class="prompt">{{.Prompt}}</div>
</section>
{{if .Summary}}
<section>
<h2>Summary</h2>
{{.Summary}}
</section>
{{end}}
{{if .Entries}}
<section>
<h2>Results</h2>
{{range .Entries}}
<div class="entry">
<h3>Step {{.Index}}{{if .Name}}: {{.Name}}{{end}}</h3>
{{if .Error}}<pre class="error">{{.Error}}</pre>
{{else if .Screenshot}}<img class="shot" src="{{.Screenshot}}" alt="Step {{.Index}}" onclick="openLightbox(this.src)">{{if .Summary}}<p>{{.Summary}}</p>{{end}}
{{else}}<pre>{{.JSON}}</pre>{{end}}
</div>
{{end}}
{{if gt .Total (len .Entries)}}<p class="more">Showing {{len .Entries}} of {{.Total}} results.</p>{{end}}
</section>
{{end}}
{{if .FinalScreenshot}}
<section>
<h2>Final screenshot</h2>
<img class="shot" src="{{.FinalScreenshot}}" alt="Final screenshot" onclick="openLightbox(this.src)">
</section>
{{end}}
</main>

<div id="lightbox" onclick="this.style.display='none'"><span class="close">&times;</span><img alt=""></div>
<div id="modal"><span class="close" onclick="closeModal()">&times;</span><div class="frame"><iframe title="External report"></iframe></div></div>

<script>
function openLightbox(src){var lb=document.getElementById('lightbox');lb.querySelector('img').src=src;lb.style.display='flex';}
function openModal(url){var m=document.getElementById('modal');m.querySelector('iframe').src=url;m.style.display='flex';}
function closeModal(){var m=document.getElementById('modal');m.querySelector('iframe').src='about:blank';m.style.display='none';}
document.addEventListener('keydown',function(e){if(e.key==='Escape'){document.getElementById('lightbox').style.display='none';closeModal();}});
</script>
</body>
</html>
`))
