// Package markup inspects scraped posting HTML.
//
// It wraps a parsed DOM with the handful of predicates classification needs
// (apply controls, password inputs, upload affordances) and provides the
// sanitize/convert helpers used before any scraped text is persisted.
package markup

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// Doc is a parsed HTML document.
type Doc struct {
	root *html.Node
}

// Parse parses an HTML fragment or document.
func Parse(s string) (*Doc, error) {
	root, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return nil, fmt.Errorf("markup: parse: %w", err)
	}
	return &Doc{root: root}, nil
}

// ApplyControl is an element a candidate must click to apply.
type ApplyControl struct {
	Href   string // empty for buttons without a link
	Mailto bool   // true when the control is a mailto: link
}

// applyTexts are the labels the board (and the ATS pages it links to) puts
// on apply controls. Matching is lowercase-contains.
var applyTexts = []string{
	"søk her",
	"søk på jobben",
	"søk stilling",
	"send søknad",
	"apply",
}

// quickApplyTexts mark the board's native in-page application flow.
var quickApplyTexts = []string{
	"superrask søknad",
	"enkel søknad",
	"easy apply",
}

// FindApplyControl returns the first external apply control in the page:
// a link or button labeled as an apply action whose target leaves the page.
// Controls that open the native quick-apply flow are not returned here.
func (d *Doc) FindApplyControl() (ApplyControl, bool) {
	var found ApplyControl
	var ok bool
	walk(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if n.Data != "a" && n.Data != "button" {
			return true
		}
		label := strings.ToLower(nodeText(n))
		if !containsAny(label, applyTexts) || containsAny(label, quickApplyTexts) {
			return true
		}
		href := attr(n, "href")
		if href == "" {
			// A bare apply button with no target: keep looking for a link,
			// but remember it existed so classification can fall through.
			return true
		}
		if strings.HasPrefix(strings.ToLower(href), "mailto:") {
			found = ApplyControl{Href: strings.TrimPrefix(href, "mailto:"), Mailto: true}
			ok = true
			return false
		}
		if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
			found = ApplyControl{Href: href}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// HasQuickApply reports whether the page carries the board's native
// quick-apply indicator (button label or automation attribute).
func (d *Doc) HasQuickApply() bool {
	var has bool
	walk(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if attr(n, "data-automation-id") == "quick-apply" {
			has = true
			return false
		}
		if n.Data == "button" || n.Data == "a" {
			if containsAny(strings.ToLower(nodeText(n)), quickApplyTexts) {
				has = true
				return false
			}
		}
		return true
	})
	return has
}

// HasPasswordInput reports whether the page contains a password field.
func (d *Doc) HasPasswordInput() bool {
	return d.hasInput("password")
}

// HasFileUpload reports whether the page contains a file upload control.
func (d *Doc) HasFileUpload() bool {
	return d.hasInput("file")
}

// socialTexts mark third-party login controls on external ATS pages.
var socialTexts = []string{
	"continue with google",
	"sign in with google",
	"continue with facebook",
	"continue with linkedin",
	"sign in with linkedin",
	"logg inn med",
}

// HasSocialLogin reports whether the page offers a third-party social login.
func (d *Doc) HasSocialLogin() bool {
	var has bool
	walk(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		cls := strings.ToLower(attr(n, "class"))
		if strings.Contains(cls, "social-login") || strings.Contains(cls, "oauth") {
			has = true
			return false
		}
		if n.Data == "button" || n.Data == "a" {
			if containsAny(strings.ToLower(nodeText(n)), socialTexts) {
				has = true
				return false
			}
		}
		return true
	})
	return has
}

// HasSubmitControl reports whether the page has a direct submit-application
// affordance (a form submit labeled as an apply/send action).
func (d *Doc) HasSubmitControl() bool {
	var has bool
	walk(d.root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		isSubmit := (n.Data == "button" || n.Data == "input") &&
			(attr(n, "type") == "submit" || n.Data == "button")
		if !isSubmit {
			return true
		}
		label := strings.ToLower(nodeText(n) + " " + attr(n, "value"))
		if containsAny(label, applyTexts) {
			has = true
			return false
		}
		return true
	})
	return has
}

func (d *Doc) hasInput(typ string) bool {
	var has bool
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "input" && strings.EqualFold(attr(n, "type"), typ) {
			has = true
			return false
		}
		return true
	})
	return has
}

var ugc = bluemonday.UGCPolicy()

// Sanitize strips scripts, event handlers and other active content from
// scraped HTML before it is stored or converted.
func Sanitize(s string) string {
	return ugc.Sanitize(s)
}

// ToMarkdown converts scraped posting HTML to markdown for storage.
// The input is sanitized first.
func ToMarkdown(s string) (string, error) {
	md, err := htmltomarkdown.ConvertString(Sanitize(s))
	if err != nil {
		return "", fmt.Errorf("markup: to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// walk runs fn depth-first over the tree; fn returns false to stop.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteString(" ")
		}
		return true
	})
	return strings.TrimSpace(b.String())
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
