// Package domain defines the shared types of the control plane: the
// request/response envelopes, the device descriptor, and the error
// taxonomy. Everything here is transport-agnostic.
package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultSession is the session name used when a client does not pick one.
const DefaultSession = "default"

// IsolationTenant marks a request as tenant-isolated; session names are
// rewritten to "<tenant>:<name>" and lease admission applies.
const IsolationTenant = "tenant"

// RequestMeta carries request-scoped metadata supplied by the client.
type RequestMeta struct {
	RequestID        string `json:"requestId,omitempty"`
	Debug            bool   `json:"debug,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
	RunID            string `json:"runId,omitempty"`
	LeaseID          string `json:"leaseId,omitempty"`
	SessionIsolation string `json:"sessionIsolation,omitempty"`
}

// Request is the daemon request envelope. Flags is an open-schema map;
// handlers extract and validate the flags they consume.
type Request struct {
	Token       string         `json:"token,omitempty"`
	Session     string         `json:"session,omitempty"`
	Command     string         `json:"command"`
	Positionals []string       `json:"positionals,omitempty"`
	Flags       map[string]any `json:"flags,omitempty"`
	Meta        RequestMeta    `json:"meta,omitempty"`
}

// Response is the daemon response envelope.
type Response struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error *CPError       `json:"error,omitempty"`
}

// OKResponse builds a success response around a data map.
func OKResponse(data map[string]any) *Response {
	return &Response{OK: true, Data: data}
}

// FailResponse builds a failure response around a CPError.
func FailResponse(err *CPError) *Response {
	return &Response{OK: false, Error: err}
}

// FlagString reads a string flag, tolerating numeric values the JSON
// decoder produced.
func (r *Request) FlagString(name string) (string, bool) {
	v, ok := r.Flags[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

// FlagBool reads a boolean flag; string forms "true"/"1" count.
func (r *Request) FlagBool(name string) bool {
	v, ok := r.Flags[name]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}

// FlagInt reads an integer flag from a JSON number or numeric string.
func (r *Request) FlagInt(name string) (int, bool) {
	v, ok := r.Flags[name]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// TenantID resolves the effective tenant id, preferring meta over flags.
func (r *Request) TenantID() string {
	if r.Meta.TenantID != "" {
		return r.Meta.TenantID
	}
	s, _ := r.FlagString("tenant")
	return s
}

// RunID resolves the effective run id, preferring meta over flags.
func (r *Request) RunID() string {
	if r.Meta.RunID != "" {
		return r.Meta.RunID
	}
	s, _ := r.FlagString("runId")
	return s
}

// LeaseID resolves the effective lease id, preferring meta over flags.
func (r *Request) LeaseID() string {
	if r.Meta.LeaseID != "" {
		return r.Meta.LeaseID
	}
	s, _ := r.FlagString("leaseId")
	return s
}

// SessionIsolation resolves the isolation mode, preferring meta over flags.
func (r *Request) SessionIsolation() string {
	if r.Meta.SessionIsolation != "" {
		return r.Meta.SessionIsolation
	}
	s, _ := r.FlagString("sessionIsolation")
	return s
}

// SessionName returns the session the request addresses, defaulting to
// DefaultSession.
func (r *Request) SessionName() string {
	if r.Session == "" {
		return DefaultSession
	}
	return r.Session
}

var scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidScopeID reports whether s is an acceptable tenant or run id.
func ValidScopeID(s string) bool {
	return scopeIDPattern.MatchString(s)
}

// ScopedSessionName rewrites a session name into a tenant namespace.
func ScopedSessionName(tenant, name string) string {
	if strings.HasPrefix(name, tenant+":") {
		return name
	}
	return tenant + ":" + name
}
