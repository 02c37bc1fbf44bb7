package cbweb

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// page is one fetched HTML document.
type page struct {
	URL    *url.URL // final URL after redirects
	Status int
	Body   []byte
	Doc    *html.Node
}

func parsePage(u *url.URL, status int, body []byte) *page {
	p := &page{URL: u, Status: status, Body: body}
	doc, err := html.Parse(bytes.NewReader(body))
	if err == nil {
		p.Doc = doc
	}
	return p
}

// text returns the visible text of the document.
func (p *page) text() string {
	if p.Doc == nil {
		return string(p.Body)
	}
	var b strings.Builder
	collectText(p.Doc, &b)
	return b.String()
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// hasErrorMarker reports whether the page shows an error box, the way the
// login page signals rejected credentials.
func (p *page) hasErrorMarker() bool {
	found := false
	walk(p.Doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		class := strings.ToLower(attr(n, "class"))
		id := strings.ToLower(attr(n, "id"))
		for _, marker := range []string{"error", "invalidlogin", "loginerror"} {
			if strings.Contains(class, marker) || strings.Contains(id, marker) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// link is an anchor on a page.
type link struct {
	Href string
	Text string
}

func (p *page) links() []link {
	var out []link
	walk(p.Doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if href := attr(n, "href"); href != "" {
				var b strings.Builder
				collectText(n, &b)
				out = append(out, link{Href: href, Text: strings.TrimSpace(b.String())})
			}
		}
		return true
	})
	return out
}

// form is a parsed HTML form with its default field values.
type form struct {
	ID     string
	Action string
	Method string
	Fields url.Values
	// inputs by type, used to discover the login field names
	types map[string]string
	order []string
}

// forms returns every form on the page.
func (p *page) forms() []*form {
	var out []*form
	walk(p.Doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Form {
			out = append(out, parseForm(n))
			return false
		}
		return true
	})
	return out
}

// formByID returns the form with the given id or action suffix.
func (p *page) formByID(id string) *form {
	for _, f := range p.forms() {
		if f.ID == id || strings.HasSuffix(f.Action, "/"+id) {
			return f
		}
	}
	return nil
}

func parseForm(n *html.Node) *form {
	f := &form{
		ID:     attr(n, "id"),
		Action: attr(n, "action"),
		Method: strings.ToUpper(attr(n, "method")),
		Fields: url.Values{},
		types:  map[string]string{},
	}
	if f.Method == "" {
		f.Method = "GET"
	}
	walk(n, func(c *html.Node) bool {
		if c.Type != html.ElementNode {
			return true
		}
		name := attr(c, "name")
		if name == "" {
			return true
		}
		switch c.DataAtom {
		case atom.Input:
			typ := strings.ToLower(attr(c, "type"))
			if typ == "" {
				typ = "text"
			}
			if typ == "submit" || typ == "button" {
				return true
			}
			if (typ == "checkbox" || typ == "radio") && !hasAttr(c, "checked") {
				return true
			}
			f.Fields.Add(name, attr(c, "value"))
			f.types[name] = typ
			f.order = append(f.order, name)
		case atom.Textarea:
			var b strings.Builder
			collectText(c, &b)
			f.Fields.Add(name, strings.TrimSpace(b.String()))
			f.types[name] = "textarea"
			f.order = append(f.order, name)
		case atom.Select:
			f.Fields.Add(name, selectedOption(c))
			f.types[name] = "select"
			f.order = append(f.order, name)
		}
		return true
	})
	return f
}

func selectedOption(sel *html.Node) string {
	first, chosen := "", ""
	walk(sel, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			v := attr(n, "value")
			if first == "" {
				first = v
			}
			if hasAttr(n, "selected") && chosen == "" {
				chosen = v
			}
		}
		return true
	})
	if chosen != "" {
		return chosen
	}
	return first
}

// fieldOfType returns the first field of the given input type.
func (f *form) fieldOfType(typ string) string {
	for _, name := range f.order {
		if f.types[name] == typ {
			return name
		}
	}
	return ""
}

func (f *form) hasField(name string) bool {
	_, ok := f.types[name]
	return ok
}

// walk visits n and its descendants depth-first until fn returns false
// for a node, which skips that node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
