package rewrite

// Action says what happens to a URL-bearing attribute.
type Action int

// Rewrite actions.
const (
	// Absolutize resolves the value against the page base URL.
	Absolutize Action = iota
	// ProxyRedirect resolves the value and points it at the proxy's /fetch.
	ProxyRedirect
	// AbsolutizeAndTag proxies the value and stashes the absolute URL in
	// data-original-url for the injected interceptor.
	AbsolutizeAndTag
)

func (a Action) String() string {
	switch a {
	case Absolutize:
		return "ABSOLUTIZE"
	case ProxyRedirect:
		return "PROXY_REDIRECT"
	case AbsolutizeAndTag:
		return "ABSOLUTIZE_AND_TAG"
	default:
		return "UNKNOWN"
	}
}

// Rule binds an element attribute to an action.
type Rule struct {
	Tag    string
	Attr   string
	Action Action
}

// DefaultRules is the process-wide rewrite table.
var DefaultRules = []Rule{
	{Tag: "img", Attr: "src", Action: Absolutize},
	{Tag: "link", Attr: "href", Action: Absolutize},
	{Tag: "script", Attr: "src", Action: Absolutize},
	{Tag: "form", Attr: "action", Action: Absolutize},
	{Tag: "iframe", Attr: "src", Action: ProxyRedirect},
	{Tag: "video", Attr: "src", Action: Absolutize},
	{Tag: "source", Attr: "src", Action: Absolutize},
	{Tag: "a", Attr: "href", Action: AbsolutizeAndTag},
}

// ScriptPolicy selects which page scripts survive.
type ScriptPolicy string

// Script policies.
const (
	StripAll      ScriptPolicy = "strip_all"
	StripTrackers ScriptPolicy = "strip_trackers"
)
