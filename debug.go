package layercake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"

	"github.com/augustoroman/layercake/coop"
)

// DebugPage is the default DiagnosticRenderer. It shows the fault, its chain
// of wrapped errors, the stack of a recovered panic and the request.
type DebugPage struct{}

var debugTemplate = template.Must(template.New("debug").Parse(`<!DOCTYPE html>
<html><head><title>{{.Reason}} at {{.Path}}</title>
<style>body{font-family:sans-serif}pre{background:#f6f6f6;padding:.5em}th{text-align:left}</style>
</head><body>
<h1>{{.Status}} {{.Reason}}</h1>
<h2>{{.Kind}}: {{.Message}}</h2>
<table>
<tr><th>Request method</th><td>{{.Method}}</td></tr>
<tr><th>Request path</th><td>{{.Path}}</td></tr>
{{if .URLConf}}<tr><th>URL conf</th><td>{{.URLConf}}</td></tr>{{end}}
{{if .View}}<tr><th>View</th><td>{{.View}}</td></tr>{{end}}
{{if .Route}}<tr><th>Route</th><td>{{.Route}}</td></tr>{{end}}
</table>
{{if .Chain}}<h3>Error chain</h3><ol>{{range .Chain}}<li><code>{{.}}</code></li>{{end}}</ol>{{end}}
{{if .Stack}}<h3>Stack</h3><pre>{{range .Stack}}{{.}}
{{end}}</pre>{{end}}
<h3>Headers</h3>
<table>{{range .Headers}}<tr><th>{{index . 0}}</th><td>{{index . 1}}</td></tr>{{end}}</table>
<p>You're seeing this page because debug mode is on. Turn it off to show the
standard error page.</p>
</body></html>
`))

type debugData struct {
	Status  int
	Reason  string
	Kind    string
	Message string
	Method  string
	Path    string
	URLConf string
	View    string
	Route   string
	Chain   []string
	Stack   []string
	Headers [][2]string
}

func (DebugPage) RenderDiagnostic(ctx context.Context, r *Request, err error, status int) *Response {
	kind, _ := KindOf(err)
	d := debugData{
		Status:  status,
		Reason:  http.StatusText(status),
		Kind:    kind.String(),
		Message: err.Error(),
		Method:  r.Method,
		Path:    r.Path,
		URLConf: r.URLConf,
	}
	if r.Match != nil {
		d.View, d.Route = r.Match.View.Name, r.Match.Route
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	var perr *coop.PanicError
	if errors.As(err, &perr) {
		d.Stack = perr.FilteredStack()
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			d.Headers = append(d.Headers, [2]string{k, v})
		}
	}
	sort.Slice(d.Headers, func(i, j int) bool { return d.Headers[i][0] < d.Headers[j][0] })

	var buf bytes.Buffer
	if err := debugTemplate.Execute(&buf, d); err != nil {
		return Text(status, fmt.Sprintf("%d %s\n\n%v\n", status, d.Reason, d.Message))
	}
	return HTML(status, buf.String())
}
