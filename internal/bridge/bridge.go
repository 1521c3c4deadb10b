package bridge

import (
	"html/template"
	"strings"
)

// The end user's browser must POST the token to the provider's hosted page
// itself; the server cannot perform that cross-origin submission. ForwardPage
// renders the minimal auto-submitting document that does it.
var forwardTmpl = template.Must(template.New("forward").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Redirecting to payment...</title></head>
<body onload="document.forms[0].submit()" style="font-family:system-ui,sans-serif">
  <p>Redirecting to payment ({{.Env}})...</p>
  <form method="post" action="{{.InitURL}}">
    <input type="hidden" name="token_ws" value="{{.Token}}" />
    <noscript><button type="submit">Continue</button></noscript>
  </form>
</body>
</html>`))

var navigateTmpl = template.Must(template.New("navigate").Parse(`<!doctype html>
<html>
<body>
<p>{{.Message}}</p>
<script>location.replace({{.Target}});</script>
</body>
</html>`))

func ForwardPage(token, initURL, env string) string {
	var b strings.Builder
	_ = forwardTmpl.Execute(&b, struct {
		Token   string
		InitURL string
		Env     string
	}{Token: token, InitURL: initURL, Env: env})
	return b.String()
}

// NavigatePage sends the browser back to the caller's app with the outcome
// encoded in the target URL's query string.
func NavigatePage(target, message string) string {
	var b strings.Builder
	_ = navigateTmpl.Execute(&b, struct {
		Target  string
		Message string
	}{Target: target, Message: message})
	return b.String()
}
