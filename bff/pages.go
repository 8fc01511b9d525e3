package bff

import (
	"net/http"

	g "maragu.dev/gomponents"
	h "maragu.dev/gomponents/html"
)

const pageStyle = `
	body {
		font-family: -apple-system, "Segoe UI", "Noto Sans Thai", sans-serif;
		max-width: 560px;
		margin: 64px auto;
		padding: 20px;
		text-align: center;
		color: #333;
	}
	.icon { font-size: 48px; margin-bottom: 16px; color: #e53935; }
	p { color: #666; font-size: 16px; }
	a.button {
		display: inline-block;
		margin-top: 24px;
		padding: 10px 24px;
		border-radius: 6px;
		background: #06c755;
		color: #fff;
		text-decoration: none;
	}
`

// renderLoginError renders the page shown when a LINE login cannot be
// completed.
func renderLoginError(w http.ResponseWriter, status int, message, returnURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = loginErrorPage(message, returnURL).Render(w)
}

func loginErrorPage(message, returnURL string) g.Node {
	return h.Doctype(
		h.HTML(
			h.Lang("th"),
			h.Head(
				h.Meta(h.Charset("UTF-8")),
				h.Meta(h.Name("viewport"), h.Content("width=device-width, initial-scale=1")),
				h.Title("Login failed"),
				h.StyleEl(g.Raw(pageStyle)),
			),
			h.Body(
				h.Div(h.Class("icon"), g.Text("!")),
				h.H1(g.Text("Login failed")),
				h.P(g.Text(message)),
				h.A(h.Class("button"), h.Href(returnURL), g.Text("Back to the store")),
			),
		),
	)
}
