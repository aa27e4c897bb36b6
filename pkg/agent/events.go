package agent

// Observer receives turn lifecycle events. Implementations must be safe
// for concurrent use; the gateway fans these out to websocket clients.
type Observer interface {
	OnStart(sessionID, traceID string)
	OnChunk(content string)
	OnEnd()
	OnThinking(text, agentRole string, newTurn bool)
	OnAgentSpawned(role string)
	OnAgentCompleted(role string)
	OnAgentFailed(role string)
}

// NopObserver discards everything.
type NopObserver struct{}

func (NopObserver) OnStart(string, string)          {}
func (NopObserver) OnChunk(string)                  {}
func (NopObserver) OnEnd()                          {}
func (NopObserver) OnThinking(string, string, bool) {}
func (NopObserver) OnAgentSpawned(string)           {}
func (NopObserver) OnAgentCompleted(string)         {}
func (NopObserver) OnAgentFailed(string)            {}
