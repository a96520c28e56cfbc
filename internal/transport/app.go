package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/txgate/internal/gate"
)

// ErrBadRequest marks effect errors caused by the request itself.
// The server answers them with 400 instead of 500.
var ErrBadRequest = errors.New("bad request")

// App supplies the effects the server runs under the gate.
//
// Write runs once per admitted writer and Read once per admitted reader; the
// returned bytes are the response body. Forget is called when a session is
// destroyed.
type App interface {
	Write(ctx context.Context, sessionID, action string, body []byte) ([]byte, error)
	Read(ctx context.Context, sessionID string, resource gate.ResourceKey) ([]byte, error)
	Forget(sessionID string)
}

// MemoryApp keeps one key/value document per session in memory.
//
// Writer actions:
//   - "set" with body {"key": k, "value": v}
//   - "delete" with body {"key": k}
//   - "clear" with no body
//
// Every writer responds with the whole document. Readers render the resource
// "doc" as the whole document and any other resource as the entry
// {"key": resource, "value": v} (null when absent).
//
// Thread-safety: all methods are safe for concurrent use.
type MemoryApp struct {
	mu   sync.Mutex
	docs map[string]map[string]json.RawMessage
}

// NewMemoryApp creates an empty MemoryApp.
func NewMemoryApp() *MemoryApp {
	return &MemoryApp{docs: make(map[string]map[string]json.RawMessage)}
}

type writeRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type entryView struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Write applies action to the session's document.
func (a *MemoryApp) Write(_ context.Context, sessionID, action string, body []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc := a.doc(sessionID)
	switch action {
	case "set", "delete":
		var wb writeRequest
		if err := json.Unmarshal(body, &wb); err != nil {
			return nil, fmt.Errorf("%w: decode %s body: %v", ErrBadRequest, action, err)
		}
		if wb.Key == "" {
			return nil, fmt.Errorf("%w: %s requires a key", ErrBadRequest, action)
		}
		if action == "delete" {
			delete(doc, wb.Key)
			break
		}
		if len(wb.Value) == 0 {
			wb.Value = json.RawMessage("null")
		}
		doc[wb.Key] = wb.Value
	case "clear":
		clear(doc)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrBadRequest, action)
	}
	return json.Marshal(doc)
}

// Read renders resource from the session's document.
func (a *MemoryApp) Read(_ context.Context, sessionID string, resource gate.ResourceKey) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	doc := a.doc(sessionID)
	if resource == "doc" {
		return json.Marshal(doc)
	}
	value, ok := doc[string(resource)]
	if !ok {
		value = json.RawMessage("null")
	}
	return json.Marshal(entryView{Key: string(resource), Value: value})
}

// Forget drops the session's document.
func (a *MemoryApp) Forget(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.docs, sessionID)
}

// doc returns the session's document, creating it. Caller holds a.mu.
func (a *MemoryApp) doc(sessionID string) map[string]json.RawMessage {
	d, ok := a.docs[sessionID]
	if !ok {
		d = make(map[string]json.RawMessage)
		a.docs[sessionID] = d
	}
	return d
}
