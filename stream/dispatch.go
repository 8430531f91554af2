package stream

// Handler receives bus events, one method per kind. Adding a kind adds a
// method, so every consumer has to handle it.
type Handler interface {
	OnStart(e Event)
	OnToken(e Event)
	OnSourceDocuments(e Event)
	OnArtifacts(e Event)
	OnUsedTools(e Event)
	OnFileAnnotations(e Event)
	OnTool(e Event)
	OnAgentReasoning(e Event)
	OnNextAgent(e Event)
	OnAction(e Event)
	OnAbort(e Event)
	OnError(e Event)
	OnMetadata(e Event)
	OnEnd(e Event)
}

// Dispatch routes e to the matching handler method. Unknown kinds are
// ignored and reported as false.
func Dispatch(h Handler, e Event) bool {
	if h == nil {
		return false
	}
	switch e.Kind {
	case KindStart:
		h.OnStart(e)
	case KindToken:
		h.OnToken(e)
	case KindSourceDocuments:
		h.OnSourceDocuments(e)
	case KindArtifacts:
		h.OnArtifacts(e)
	case KindUsedTools:
		h.OnUsedTools(e)
	case KindFileAnnotations:
		h.OnFileAnnotations(e)
	case KindTool:
		h.OnTool(e)
	case KindAgentReasoning:
		h.OnAgentReasoning(e)
	case KindNextAgent:
		h.OnNextAgent(e)
	case KindAction:
		h.OnAction(e)
	case KindAbort:
		h.OnAbort(e)
	case KindError:
		h.OnError(e)
	case KindMetadata:
		h.OnMetadata(e)
	case KindEnd:
		h.OnEnd(e)
	default:
		return false
	}
	return true
}

// HandlerFunc routes every kind to one function.
type HandlerFunc func(Event)

func (f HandlerFunc) OnStart(e Event)           { f(e) }
func (f HandlerFunc) OnToken(e Event)           { f(e) }
func (f HandlerFunc) OnSourceDocuments(e Event) { f(e) }
func (f HandlerFunc) OnArtifacts(e Event)       { f(e) }
func (f HandlerFunc) OnUsedTools(e Event)       { f(e) }
func (f HandlerFunc) OnFileAnnotations(e Event) { f(e) }
func (f HandlerFunc) OnTool(e Event)            { f(e) }
func (f HandlerFunc) OnAgentReasoning(e Event)  { f(e) }
func (f HandlerFunc) OnNextAgent(e Event)       { f(e) }
func (f HandlerFunc) OnAction(e Event)          { f(e) }
func (f HandlerFunc) OnAbort(e Event)           { f(e) }
func (f HandlerFunc) OnError(e Event)           { f(e) }
func (f HandlerFunc) OnMetadata(e Event)        { f(e) }
func (f HandlerFunc) OnEnd(e Event)             { f(e) }
