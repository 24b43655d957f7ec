package report

import (
	"html/template"
)

// IndexName is the report entry point inside an output directory.
const IndexName = "index.html"

type indexSection struct {
	ID       string
	Heading  string
	Total    string
	SVG      string
	Reversed string
	Raw      string
	Pprof    string
}

type indexData struct {
	Title    string
	Time     string
	Command  string
	Sections []indexSection
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}} ({{.Time}})</title>
  <style type="text/css">
    body {
        font-family: -apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,Ubuntu,"Helvetica Neue",sans-serif;
        line-height: 1.2;
        max-width: 60rem;
        margin: 4rem auto;
        font-size: 18px;
    }
    div { text-align: center; }
  </style>
  <script>
   function fullScreen(id) {
       var elem = document.querySelector(id);
       var height = elem.style.height;
       elem.style.height = "100%";
       var req = elem.requestFullscreen || elem.webkitRequestFullscreen;
       req.call(elem).finally(function () { elem.style.height = height; });
   }
  </script>
</head>
<body>
<h1>{{.Title}}</h1>
<h2>{{.Time}}</h2>
<h2>Command</h2>
<p><code>{{.Command}}</code></p>
{{range .Sections}}
<h2>{{.Heading}} ({{.Total}})</h2>
<div><iframe id="{{.ID}}" src="{{.SVG}}" width="100%" height="400" scrolling="auto" frameborder="0"></iframe><br>
<p><input type="button" onclick="fullScreen('#{{.ID}}');" value="Full screen"></p></div>
<br>
<div><iframe id="{{.ID}}-reversed" src="{{.Reversed}}" width="100%" height="400" scrolling="auto" frameborder="0"></iframe><br>
<p><input type="button" onclick="fullScreen('#{{.ID}}-reversed');" value="Full screen"></p></div>
<p>Raw data: <a href="{{.Raw}}">{{.Raw}}</a>{{if .Pprof}}, pprof: <a href="{{.Pprof}}">{{.Pprof}}</a>{{end}}</p>
{{end}}
<h2>Understanding the graphs</h2>
<p>The wider the bar, the larger the share of the total spent in that function or its callees.</p>
<p>The first graph of each pair shows the normal call graph: if <tt>main()</tt> calls <tt>g()</tt>
calls <tt>f()</tt>, then <tt>main()</tt> is at the top. The second is reversed, from <tt>f()</tt>
upwards, so every call to <tt>f()</tt> is merged into one bar.</p>
<p>In performance graphs, <tt>⬸ Running</tt> means the thread was using CPU, <tt>⬳ Waiting</tt>
that it was blocked, and <tt>⬳ Uninterruptible wait</tt> that it was stuck in a syscall such as
disk I/O. Samples are summed across threads, so the total can exceed wall-clock time.</p>
</body>
</html>
`))
