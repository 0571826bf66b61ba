// Package routes describes REST endpoints as method + path templates and
// compiles them into concrete request paths plus the rate-limit identity the
// bucket manager keys on.
package routes

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// majorParams are the template parameters that discriminate rate-limit
// buckets. Two compiled routes share a bucket only if they agree on these.
var majorParams = map[string]struct{}{
	"channel": {},
	"guild":   {},
	"webhook": {},
	"token":   {},
}

// Params maps template parameter names to their values.
type Params map[string]string

// Route is an endpoint definition such as GET /channels/{channel}.
type Route struct {
	Method   string
	Template string
	// HasRateLimits is false for the few endpoints that never return
	// rate-limit headers; such routes skip bucket acquisition.
	HasRateLimits bool
}

// New defines a rate-limited route.
func New(method, template string) *Route {
	return &Route{Method: method, Template: template, HasRateLimits: true}
}

// NewUnlimited defines a route that bypasses per-route buckets.
func NewUnlimited(method, template string) *Route {
	return &Route{Method: method, Template: template}
}

func (r *Route) String() string {
	return r.Method + " " + r.Template
}

// Compile substitutes params into the template. Every {name} in the template
// must have a value; extra params are rejected so that typos surface early.
func (r *Route) Compile(params Params) (CompiledRoute, error) {
	var (
		path     strings.Builder
		identity strings.Builder
		used     = make(map[string]struct{}, len(params))
		major    []string
	)

	rest := r.Template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			path.WriteString(rest)
			identity.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return CompiledRoute{}, fmt.Errorf("route %s: unterminated parameter", r)
		}
		end += open

		name := rest[open+1 : end]
		value, ok := params[name]
		if !ok || value == "" {
			return CompiledRoute{}, fmt.Errorf("route %s: missing parameter %q", r, name)
		}
		used[name] = struct{}{}

		path.WriteString(rest[:open])
		identity.WriteString(rest[:open])
		path.WriteString(url.PathEscape(value))
		if _, ok := majorParams[name]; ok {
			identity.WriteString(url.PathEscape(value))
			major = append(major, name+"="+value)
		} else {
			identity.WriteString(rest[open : end+1])
		}
		rest = rest[end+1:]
	}

	if len(used) != len(params) {
		var extra []string
		for name := range params {
			if _, ok := used[name]; !ok {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
		return CompiledRoute{}, fmt.Errorf("route %s: unknown parameters %v", r, extra)
	}

	sort.Strings(major)

	return CompiledRoute{
		Route:    r,
		Path:     path.String(),
		identity: r.Method + " " + identity.String(),
		major:    strings.Join(major, "&"),
	}, nil
}

// MustCompile is Compile for statically known parameters; it panics on error.
func (r *Route) MustCompile(params Params) CompiledRoute {
	c, err := r.Compile(params)
	if err != nil {
		panic(err)
	}
	return c
}

// CompiledRoute is a route with its parameters bound. It is immutable.
type CompiledRoute struct {
	Route *Route
	Path  string

	identity string
	major    string
}

// Method returns the HTTP method of the underlying route.
func (c CompiledRoute) Method() string {
	return c.Route.Method
}

// Identity returns the rate-limit identity: the method plus the template with
// only the major parameters substituted, e.g.
// "GET /channels/123/messages/{message}".
func (c CompiledRoute) Identity() string {
	return c.identity
}

// MajorParams returns the bucket-discriminating parameters in canonical
// form ("channel=1&token=x"). Routes that share a server-assigned bucket hash
// share a bucket only when these match.
func (c CompiledRoute) MajorParams() string {
	return c.major
}

// URL joins the compiled path onto base.
func (c CompiledRoute) URL(base string) string {
	return strings.TrimRight(base, "/") + c.Path
}

func (c CompiledRoute) String() string {
	return c.Method() + " " + c.Path
}

// Endpoint definitions used by the typed REST wrappers.
var (
	GetChannel                    = New(http.MethodGet, "/channels/{channel}")
	GetChannelMessage             = New(http.MethodGet, "/channels/{channel}/messages/{message}")
	PostChannelMessages           = New(http.MethodPost, "/channels/{channel}/messages")
	PatchChannelMessage           = New(http.MethodPatch, "/channels/{channel}/messages/{message}")
	DeleteChannelMessage          = New(http.MethodDelete, "/channels/{channel}/messages/{message}")
	PostDeleteChannelMessagesBulk = New(http.MethodPost, "/channels/{channel}/messages/bulk-delete")
	GetMyUser                     = New(http.MethodGet, "/users/@me")
	GetMyApplication              = New(http.MethodGet, "/oauth2/applications/@me")
	PostInteractionResponse       = New(http.MethodPost, "/interactions/{interaction}/{token}/callback")
	PatchInteractionResponse      = New(http.MethodPatch, "/webhooks/{webhook}/{token}/messages/@original")
	DeleteInteractionResponse     = New(http.MethodDelete, "/webhooks/{webhook}/{token}/messages/@original")
	PostWebhookMessage            = New(http.MethodPost, "/webhooks/{webhook}/{token}")
	PostToken                     = NewUnlimited(http.MethodPost, "/oauth2/token")
)
