// Package rewrite transforms a rendered document so that every resource and
// navigation reference resolves absolutely or routes back through the proxy.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/JakeFAU/render-proxy/internal/guard"
)

// ErrInvalidBase is returned when the base URL is not an absolute http(s) URL.
var ErrInvalidBase = errors.New("invalid base url")

const pwaHintSelector = `link[rel~="manifest"], meta[name="service-worker"], meta[name="sw"]`

// Classifier vets absolutized URLs. *guard.Guard satisfies it.
type Classifier interface {
	Classify(raw string) guard.Verdict
}

// Options configure a Rewriter.
type Options struct {
	ScriptPolicy      ScriptPolicy
	TrackerSignatures []string
	// TargetOrigin is the postMessage origin for the interceptor. Empty means
	// the proxy origin passed to Rewrite.
	TargetOrigin string
	// Guard, when set, drops attributes whose absolute URL it blocks.
	Guard Classifier
	Rules []Rule
}

// Rewriter applies the rewrite pipeline. It holds no per-call state and is
// safe for concurrent use.
type Rewriter struct {
	policy       ScriptPolicy
	signatures   []string
	targetOrigin string
	guard        Classifier
	rules        []Rule
}

// New builds a Rewriter.
func New(opts Options) *Rewriter {
	policy := opts.ScriptPolicy
	if policy != StripTrackers {
		policy = StripAll
	}
	signatures := make([]string, 0, len(opts.TrackerSignatures))
	for _, sig := range opts.TrackerSignatures {
		if sig = strings.ToLower(strings.TrimSpace(sig)); sig != "" {
			signatures = append(signatures, sig)
		}
	}
	rules := opts.Rules
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Rewriter{
		policy:       policy,
		signatures:   signatures,
		targetOrigin: strings.TrimSpace(opts.TargetOrigin),
		guard:        opts.Guard,
		rules:        rules,
	}
}

// Rewrite transforms markup rendered at baseURL for delivery from
// proxyOrigin (scheme://host of this service). Malformed attribute values are
// skipped; only an unusable base URL fails the call.
func (r *Rewriter) Rewrite(markup, baseURL, proxyOrigin string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidBase, baseURL)
	}
	proxyOrigin = strings.TrimRight(strings.TrimSpace(proxyOrigin), "/")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	doc.Find(pwaHintSelector).Remove()
	r.filterScripts(doc)

	// Navigation tokens are recomputed from each anchor's href below.
	doc.Find("a[" + OriginalURLAttr + "]").RemoveAttr(OriginalURLAttr)

	t := target{base: base, fetch: proxyOrigin + "/fetch", guard: r.guard}
	for _, rule := range r.rules {
		doc.Find(rule.Tag).Each(func(_ int, s *goquery.Selection) {
			t.apply(s, rule)
		})
	}

	targetOrigin := r.targetOrigin
	if targetOrigin == "" {
		targetOrigin = proxyOrigin
	}
	injectInterceptor(doc, interceptorScript(targetOrigin))
	setBase(doc, base.String())

	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}
	return out, nil
}

// filterScripts applies the script policy. Interceptors from an earlier pass
// are always removed and re-injected fresh.
func (r *Rewriter) filterScripts(doc *goquery.Document) {
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if _, injected := s.Attr(InjectedAttr); injected || r.policy == StripAll || r.isTracker(s) {
			s.Remove()
		}
	})
}

func (r *Rewriter) isTracker(s *goquery.Selection) bool {
	src, _ := s.Attr("src")
	haystack := strings.ToLower(src + "\n" + s.Text())
	for _, sig := range r.signatures {
		if strings.Contains(haystack, sig) {
			return true
		}
	}
	return false
}

type target struct {
	base  *url.URL
	fetch string
	guard Classifier
}

func (t target) proxied(abs string) string {
	return t.fetch + "?url=" + url.QueryEscape(abs)
}

// unwrap returns the target of a URL that already points at this proxy's
// /fetch endpoint.
func (t target) unwrap(value string) (string, bool) {
	if !strings.HasPrefix(value, t.fetch+"?") {
		return "", false
	}
	u, err := url.Parse(value)
	if err != nil {
		return "", false
	}
	inner := u.Query().Get("url")
	return inner, inner != ""
}

func (t target) resolve(value string) (*url.URL, bool) {
	ref, err := url.Parse(value)
	if err != nil {
		return nil, false
	}
	return t.base.ResolveReference(ref), true
}

func (t target) blocked(abs *url.URL) bool {
	if t.guard == nil || !isHTTP(abs) {
		return false
	}
	return t.guard.Classify(abs.String()) == guard.Blocked
}

func (t target) apply(s *goquery.Selection, rule Rule) {
	raw, ok := s.Attr(rule.Attr)
	if !ok {
		return
	}
	value := strings.TrimSpace(raw)
	if value == "" {
		return
	}

	switch rule.Action {
	case AbsolutizeAndTag:
		if value == "#" || hasScriptScheme(value) {
			return
		}
		if inner, ok := t.unwrap(value); ok {
			value = inner
		}
	case ProxyRedirect:
		if inner, ok := t.unwrap(value); ok {
			value = inner
		}
	}

	abs, ok := t.resolve(value)
	if !ok {
		return
	}
	if !isHTTP(abs) {
		return
	}
	if t.blocked(abs) {
		s.RemoveAttr(rule.Attr)
		return
	}

	switch rule.Action {
	case Absolutize:
		s.SetAttr(rule.Attr, abs.String())
	case ProxyRedirect:
		s.SetAttr(rule.Attr, t.proxied(abs.String()))
	case AbsolutizeAndTag:
		s.SetAttr(OriginalURLAttr, abs.String())
		s.SetAttr(rule.Attr, t.proxied(abs.String()))
	}
}

func isHTTP(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func hasScriptScheme(value string) bool {
	lower := strings.ToLower(value)
	return strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "vbscript:")
}

func injectInterceptor(doc *goquery.Document, script string) {
	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: InjectedAttr}},
	}
	node.AppendChild(&html.Node{Type: html.TextNode, Data: script})

	parent := doc.Find("body").First()
	if parent.Length() == 0 {
		parent = doc.Find("html").First()
	}
	if parent.Length() == 0 {
		return
	}
	parent.Get(0).AppendChild(node)
}

func setBase(doc *goquery.Document, href string) {
	doc.Find("base").Remove()
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return
	}
	node := &html.Node{
		Type:     html.ElementNode,
		Data:     "base",
		DataAtom: atom.Base,
		Attr:     []html.Attribute{{Key: "href", Val: href}},
	}
	h := head.Get(0)
	h.InsertBefore(node, h.FirstChild)
}
