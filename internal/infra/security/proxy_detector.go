package security

import (
	"net/http"
	"sort"
	"strings"
)

const maxForwardedHops = 3

var (
	interceptionHeaderPrefixes = []string{"x-mitmproxy", "x-charles", "x-fiddler", "x-burp", "x-proxyman"}
	interceptionTools          = []string{"mitmproxy", "charles", "fiddler", "burp", "proxyman"}
	automationAgents           = []string{
		"curl", "wget", "python", "go-http-client", "httpie", "postman", "insomnia",
		"headless", "phantomjs", "selenium", "puppeteer", "playwright",
	}
)

// RequestMetadata is the transport-independent view of a request the detector inspects.
type RequestMetadata struct {
	IP        string
	UserAgent string
	Headers   http.Header
}

// ProxyVerdict is the detector outcome. Indicators are sorted.
type ProxyVerdict struct {
	ShouldBlock bool
	Indicators  []string
}

// ProxyDetector screens requests for interception proxies and tampering tools.
type ProxyDetector struct {
	enabled bool
}

// NewProxyDetector returns a detector; a disabled detector always allows.
func NewProxyDetector(enabled bool) ProxyDetector {
	return ProxyDetector{enabled: enabled}
}

// Inspect evaluates the request metadata.
func (d ProxyDetector) Inspect(meta RequestMetadata) ProxyVerdict {
	if !d.enabled {
		return ProxyVerdict{}
	}
	return DetectProxy(meta)
}

// DetectProxy classifies request metadata. Strong indicators block on their
// own, weak indicators block once two of them are present.
func DetectProxy(meta RequestMetadata) ProxyVerdict {
	var strong, weak []string

	for name := range meta.Headers {
		lower := strings.ToLower(name)
		for _, prefix := range interceptionHeaderPrefixes {
			if strings.HasPrefix(lower, prefix) {
				strong = append(strong, "header:"+lower)
				break
			}
		}
	}

	if via := strings.ToLower(meta.Headers.Get("Via")); via != "" {
		if tool, ok := containsAny(via, interceptionTools); ok {
			strong = append(strong, "via:"+tool)
		}
	}

	ua := strings.ToLower(strings.TrimSpace(meta.UserAgent))
	switch {
	case ua == "":
		weak = append(weak, "missing_user_agent")
	default:
		if tool, ok := containsAny(ua, interceptionTools); ok {
			strong = append(strong, "user_agent:"+tool)
		} else if agent, ok := containsAny(ua, automationAgents); ok {
			weak = append(weak, "automation_user_agent:"+agent)
		}
	}

	if meta.Headers.Get("Proxy-Connection") != "" {
		weak = append(weak, "proxy_connection_header")
	}

	if forwarded := meta.Headers.Get("X-Forwarded-For"); forwarded != "" {
		if hops := len(strings.Split(forwarded, ",")); hops > maxForwardedHops {
			weak = append(weak, "forwarded_chain")
		}
	}

	indicators := append(strong, weak...)
	sort.Strings(indicators)

	return ProxyVerdict{
		ShouldBlock: len(strong) > 0 || len(weak) >= 2,
		Indicators:  indicators,
	}
}

func containsAny(value string, needles []string) (string, bool) {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return needle, true
		}
	}
	return "", false
}
