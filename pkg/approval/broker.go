package approval

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gateclaw/gateclaw/pkg/logger"
)

const historyCap = 500

// State of an approval request. A request resolves exactly once.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateTimeout  State = "timeout"
)

// Request is one pending or resolved approval.
type Request struct {
	ID           string         `json:"id"`
	ToolName     string         `json:"tool_name"`
	ServerName   string         `json:"server_name"`
	Arguments    map[string]any `json:"arguments"`
	ResourcePath string         `json:"resource_path,omitempty"`
	Level        Level          `json:"safety_level"`
	Description  string         `json:"description"`
	CreatedAt    time.Time      `json:"created_at"`
	Deadline     time.Time      `json:"deadline"`
	State        State          `json:"state"`
}

// TrustGrant auto-approves matching tool calls until it expires.
type TrustGrant struct {
	ToolName   string    `json:"tool_name"`
	ServerName string    `json:"server_name"`
	PathPrefix string    `json:"path_prefix,omitempty"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (g TrustGrant) key() string {
	k := g.ServerName + "::" + g.ToolName
	if g.PathPrefix != "" {
		k += "@" + g.PathPrefix
	}
	return k
}

// Verdict is the outcome of a Check call.
type Verdict int

const (
	// AutoAllow means the call proceeds without user interaction.
	AutoAllow Verdict = iota
	// NeedsApproval means a pending request was created; callers Wait on it.
	NeedsApproval
	// DenyPolicy means the tool is disabled by configuration.
	DenyPolicy
)

// Decision carries the verdict plus the request to wait on, when one was
// created.
type Decision struct {
	Verdict   Verdict
	RequestID string
	Request   *Request
	Reason    string
}

// Observer receives approval lifecycle events for the UI layer.
type Observer interface {
	OnApprovalRequest(req Request)
	OnApprovalResolved(id string, approved bool)
}

// Options configures a Broker.
type Options struct {
	AutoApproveSafe     bool
	Timeout             time.Duration
	DefaultTrustMinutes int
	Overrides           map[string]Level
	DisabledTools       map[string]bool
}

// Broker classifies tool calls and coordinates pending approvals. One
// mutex guards all state; each pending request carries its own signal
// channel for waiters.
type Broker struct {
	mu       sync.Mutex
	opts     Options
	pending  map[string]*pendingRequest
	trust    map[string]TrustGrant
	history  []Request
	observer Observer
}

type pendingRequest struct {
	req  Request
	done chan struct{}
}

// NewBroker creates a Broker.
func NewBroker(opts Options) *Broker {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.DefaultTrustMinutes <= 0 {
		opts.DefaultTrustMinutes = 5
	}
	return &Broker{
		opts:    opts,
		pending: make(map[string]*pendingRequest),
		trust:   make(map[string]TrustGrant),
	}
}

// SetObserver installs the event sink. Must be called before serving.
func (b *Broker) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Check classifies a tool call and decides whether it may proceed. Trust
// is evaluated at call time, so a revoked grant denies subsequent calls.
func (b *Broker) Check(toolName, serverName string, args map[string]any) Decision {
	level := Classify(toolName, b.opts.Overrides)
	path := effectivePath(args)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.opts.DisabledTools[strings.ToLower(toolName)] {
		return Decision{Verdict: DenyPolicy, Reason: "tool disabled by policy"}
	}

	if level == LevelSafe && b.opts.AutoApproveSafe {
		return Decision{Verdict: AutoAllow}
	}

	if b.trustMatchLocked(toolName, serverName, path) {
		return Decision{Verdict: AutoAllow}
	}

	now := time.Now()
	req := Request{
		ID:           uuid.NewString(),
		ToolName:     toolName,
		ServerName:   serverName,
		Arguments:    previewArgs(args),
		ResourcePath: path,
		Level:        level,
		Description:  fmt.Sprintf("%s wants to run %s", serverName, toolName),
		CreatedAt:    now,
		Deadline:     now.Add(b.opts.Timeout),
		State:        StatePending,
	}
	b.pending[req.ID] = &pendingRequest{req: req, done: make(chan struct{})}

	if b.observer != nil {
		go b.observer.OnApprovalRequest(req)
	}
	logger.InfoCF("approval", "approval required", map[string]any{
		"id": req.ID, "tool": toolName, "server": serverName, "level": string(level),
	})
	reqCopy := req
	return Decision{Verdict: NeedsApproval, RequestID: req.ID, Request: &reqCopy}
}

// Wait blocks until the request resolves or its deadline passes. The
// returned state is one of approved, denied, timeout; callers treat
// timeout as denial.
func (b *Broker) Wait(ctx context.Context, reqID string) State {
	b.mu.Lock()
	pr, ok := b.pending[reqID]
	if !ok {
		st := b.historyStateLocked(reqID)
		b.mu.Unlock()
		return st
	}
	deadline := pr.req.Deadline
	done := pr.done
	b.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-done:
		b.mu.Lock()
		st := b.historyStateLocked(reqID)
		b.mu.Unlock()
		return st
	case <-timer.C:
		b.expire(reqID)
		return StateTimeout
	case <-ctx.Done():
		b.expire(reqID)
		return StateTimeout
	}
}

// expire transitions a still-pending request to timeout.
func (b *Broker) expire(reqID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pr, ok := b.pending[reqID]
	if !ok {
		return
	}
	delete(b.pending, reqID)
	pr.req.State = StateTimeout
	b.recordLocked(pr.req)
	close(pr.done)
	if b.observer != nil {
		go b.observer.OnApprovalResolved(reqID, false)
	}
	logger.InfoCF("approval", "approval timed out", map[string]any{"id": reqID, "tool": pr.req.ToolName})
}

// Resolve settles a pending request. Returns false when the id is unknown
// or already resolved; late responses after timeout are discarded.
func (b *Broker) Resolve(reqID string, approved bool, trustMinutes int) bool {
	b.mu.Lock()
	pr, ok := b.pending[reqID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, reqID)

	if approved {
		pr.req.State = StateApproved
		if trustMinutes > 0 {
			b.grantLocked(pr.req.ToolName, pr.req.ServerName, trustScope(pr.req.ResourcePath), trustMinutes)
		}
	} else {
		pr.req.State = StateDenied
	}
	b.recordLocked(pr.req)
	close(pr.done)
	observer := b.observer
	b.mu.Unlock()

	if observer != nil {
		observer.OnApprovalResolved(reqID, approved)
	}
	logger.InfoCF("approval", "approval resolved", map[string]any{
		"id": reqID, "tool": pr.req.ToolName, "approved": approved,
	})
	return true
}

// BatchResolve settles several requests with one decision. Each id is
// resolved independently; ids already timed out are skipped. Returns the
// ids actually resolved.
func (b *Broker) BatchResolve(reqIDs []string, approved bool, trustMinutes int) []string {
	resolved := make([]string, 0, len(reqIDs))
	for _, id := range reqIDs {
		if b.Resolve(id, approved, trustMinutes) {
			resolved = append(resolved, id)
		}
	}
	return resolved
}

// GrantTrust installs a trust grant. An empty pathPrefix makes the grant
// tool-global.
func (b *Broker) GrantTrust(toolName, serverName, pathPrefix string, minutes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if minutes <= 0 {
		minutes = b.opts.DefaultTrustMinutes
	}
	b.grantLocked(toolName, serverName, normalizePrefix(pathPrefix), minutes)
}

// RevokeTrust removes a grant. Returns true when one was removed.
func (b *Broker) RevokeTrust(toolName, serverName, pathPrefix string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := TrustGrant{ToolName: toolName, ServerName: serverName, PathPrefix: normalizePrefix(pathPrefix)}
	if _, ok := b.trust[g.key()]; !ok {
		return false
	}
	delete(b.trust, g.key())
	return true
}

// ListTrusted returns active grants, expired ones GC'd, sorted by key.
func (b *Broker) ListTrusted() []TrustGrant {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	out := make([]TrustGrant, 0, len(b.trust))
	for k, g := range b.trust {
		if !now.Before(g.ExpiresAt) {
			delete(b.trust, k)
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// History returns recent resolved requests, newest first.
func (b *Broker) History(limit int) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]Request, 0, limit)
	for i := len(b.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, b.history[i])
	}
	return out
}

// Pending returns the ids of unresolved requests.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (b *Broker) grantLocked(toolName, serverName, pathPrefix string, minutes int) {
	now := time.Now()
	g := TrustGrant{
		ToolName:   toolName,
		ServerName: serverName,
		PathPrefix: pathPrefix,
		GrantedAt:  now,
		ExpiresAt:  now.Add(time.Duration(minutes) * time.Minute),
	}
	b.trust[g.key()] = g
	logger.InfoCF("approval", "trust granted", map[string]any{
		"tool": toolName, "server": serverName, "prefix": pathPrefix, "minutes": minutes,
	})
}

// trustMatchLocked checks grants in order: exact path, longest prefix,
// tool-global. Expired grants are dropped as they are seen.
func (b *Broker) trustMatchLocked(toolName, serverName, path string) bool {
	now := time.Now()
	base := serverName + "::" + toolName

	valid := func(key string) (TrustGrant, bool) {
		g, ok := b.trust[key]
		if !ok {
			return TrustGrant{}, false
		}
		if !now.Before(g.ExpiresAt) {
			delete(b.trust, key)
			return TrustGrant{}, false
		}
		return g, true
	}

	if path != "" {
		if _, ok := valid(base + "@" + normalizePrefix(path)); ok {
			return true
		}
		var best string
		for key, g := range b.trust {
			if g.ServerName != serverName || g.ToolName != toolName || g.PathPrefix == "" {
				continue
			}
			if !now.Before(g.ExpiresAt) {
				delete(b.trust, key)
				continue
			}
			if strings.HasPrefix(path, g.PathPrefix) && len(g.PathPrefix) > len(best) {
				best = g.PathPrefix
			}
		}
		if best != "" {
			return true
		}
	}

	_, ok := valid(base)
	return ok
}

func (b *Broker) recordLocked(req Request) {
	b.history = append(b.history, req)
	if len(b.history) > historyCap {
		b.history = b.history[len(b.history)-historyCap:]
	}
}

func (b *Broker) historyStateLocked(reqID string) State {
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].ID == reqID {
			return b.history[i].State
		}
	}
	return StateTimeout
}

// effectivePath canonicalizes the first path-like argument.
func effectivePath(args map[string]any) string {
	for _, key := range []string{"path", "file_path", "search_path", "root"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				abs, err := filepath.Abs(s)
				if err != nil {
					return filepath.Clean(s)
				}
				return filepath.Clean(abs)
			}
		}
	}
	return ""
}

// trustScope derives the grant prefix for an approved request: the parent
// directory of the touched resource, or empty for pathless tools.
func trustScope(resourcePath string) string {
	if resourcePath == "" {
		return ""
	}
	return normalizePrefix(filepath.Dir(resourcePath))
}

// normalizePrefix canonicalizes a path prefix and terminates it with "/".
func normalizePrefix(prefix string) string {
	if prefix == "" {
		return ""
	}
	clean := filepath.Clean(prefix)
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	return clean
}

var sensitiveArgKey = regexp.MustCompile(`(?i)token|secret|password|key|auth`)

// previewArgs builds the display copy of tool arguments with sensitive
// values masked and long strings truncated.
func previewArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if sensitiveArgKey.MatchString(k) {
			out[k] = "***"
			continue
		}
		if s, ok := v.(string); ok && len(s) > 200 {
			out[k] = s[:200] + "…"
			continue
		}
		out[k] = v
	}
	return out
}
