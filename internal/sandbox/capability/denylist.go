package capability

import (
	"fmt"
	"strings"
)

// Category groups capabilities by the host surface they would reach.
type Category string

const (
	CategoryNetwork      Category = "network"
	CategoryStorage      Category = "storage"
	CategoryNavigation   Category = "navigation"
	CategoryHostMutation Category = "host_mutation"
	CategoryNotification Category = "notification"
	CategoryMedia        Category = "media"
	CategoryScheduling   Category = "scheduling"
	CategoryEvaluation   Category = "evaluation"
	CategoryHost         Category = "host"
)

// Behavior is what a stand-in does when sandboxed code touches it.
type Behavior string

const (
	// Block throws a catchable error naming the capability.
	Block Behavior = "block"
	// NoOp accepts the call and returns undefined.
	NoOp Behavior = "noop"
	// Remove leaves the name bound to undefined.
	Remove Behavior = "remove"
)

// Kind describes the shape of the stand-in.
type Kind string

const (
	// KindFunction is a callable (and constructible) stand-in.
	KindFunction Kind = "function"
	// KindObject is an object whose Methods are stand-ins.
	KindObject Kind = "object"
	// KindProperty is an accessor property.
	KindProperty Kind = "property"
)

// Capability is one denylist entry. Name is a dotted path from the global
// object, e.g. "navigator.sendBeacon".
type Capability struct {
	Name     string   `json:"name"`
	Category Category `json:"category"`
	Kind     Kind     `json:"kind"`
	Behavior Behavior `json:"behavior"`
	Methods  []string `json:"methods,omitempty"`
}

// Path splits Name into its parent path and leaf.
func (c Capability) Path() (parents []string, leaf string) {
	parts := strings.Split(c.Name, ".")
	return parts[:len(parts)-1], parts[len(parts)-1]
}

// Message is the error text raised by a blocked stand-in.
func (c Capability) Message() string {
	return fmt.Sprintf("%s capability %q is not available in the sandbox", c.Category, c.Name)
}

// MethodMessage is the error text raised by a blocked method of an object stand-in.
func (c Capability) MethodMessage(method string) string {
	return fmt.Sprintf("%s capability %q is not available in the sandbox", c.Category, c.Name+"."+method)
}

var storageMethods = []string{"getItem", "setItem", "removeItem", "clear", "key"}

// Denylist is the fixed table of capabilities unreachable from a runtime.
// Order matters only for parents: entries are applied top to bottom.
var Denylist = []Capability{
	// Network I/O
	{Name: "fetch", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "XMLHttpRequest", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "WebSocket", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "EventSource", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "RTCPeerConnection", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "importScripts", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},
	{Name: "navigator.sendBeacon", Category: CategoryNetwork, Kind: KindFunction, Behavior: Block},

	// Persistent storage
	{Name: "localStorage", Category: CategoryStorage, Kind: KindObject, Behavior: Block, Methods: storageMethods},
	{Name: "sessionStorage", Category: CategoryStorage, Kind: KindObject, Behavior: Block, Methods: storageMethods},
	{Name: "indexedDB", Category: CategoryStorage, Kind: KindObject, Behavior: Block, Methods: []string{"open", "deleteDatabase", "databases"}},
	{Name: "caches", Category: CategoryStorage, Kind: KindObject, Behavior: Block, Methods: []string{"open", "match", "has", "delete", "keys"}},
	{Name: "document.cookie", Category: CategoryStorage, Kind: KindProperty, Behavior: NoOp},
	{Name: "navigator.storage", Category: CategoryStorage, Kind: KindObject, Behavior: Block, Methods: []string{"persist", "estimate", "getDirectory"}},

	// Cross-context navigation
	{Name: "open", Category: CategoryNavigation, Kind: KindFunction, Behavior: Block},
	{Name: "close", Category: CategoryNavigation, Kind: KindFunction, Behavior: NoOp},
	{Name: "postMessage", Category: CategoryNavigation, Kind: KindFunction, Behavior: NoOp},
	{Name: "location", Category: CategoryNavigation, Kind: KindObject, Behavior: Block, Methods: []string{"assign", "replace", "reload"}},
	{Name: "history", Category: CategoryNavigation, Kind: KindObject, Behavior: Block, Methods: []string{"pushState", "replaceState", "back", "forward", "go"}},
	{Name: "top", Category: CategoryNavigation, Kind: KindProperty, Behavior: Remove},
	{Name: "parent", Category: CategoryNavigation, Kind: KindProperty, Behavior: Remove},
	{Name: "opener", Category: CategoryNavigation, Kind: KindProperty, Behavior: Remove},
	{Name: "frames", Category: CategoryNavigation, Kind: KindProperty, Behavior: Remove},

	// Host document mutation
	{Name: "document.write", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.writeln", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.open", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.createElement", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.getElementById", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.querySelector", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.querySelectorAll", Category: CategoryHostMutation, Kind: KindFunction, Behavior: Block},
	{Name: "document.body", Category: CategoryHostMutation, Kind: KindProperty, Behavior: Remove},
	{Name: "document.head", Category: CategoryHostMutation, Kind: KindProperty, Behavior: Remove},

	// Notifications and dialogs
	{Name: "alert", Category: CategoryNotification, Kind: KindFunction, Behavior: NoOp},
	{Name: "confirm", Category: CategoryNotification, Kind: KindFunction, Behavior: NoOp},
	{Name: "prompt", Category: CategoryNotification, Kind: KindFunction, Behavior: NoOp},
	{Name: "Notification", Category: CategoryNotification, Kind: KindFunction, Behavior: Block},
	{Name: "navigator.vibrate", Category: CategoryNotification, Kind: KindFunction, Behavior: NoOp},

	// Media and device APIs
	{Name: "Audio", Category: CategoryMedia, Kind: KindFunction, Behavior: Block},
	{Name: "navigator.mediaDevices", Category: CategoryMedia, Kind: KindObject, Behavior: Block, Methods: []string{"getUserMedia", "getDisplayMedia", "enumerateDevices"}},
	{Name: "navigator.geolocation", Category: CategoryMedia, Kind: KindObject, Behavior: Block, Methods: []string{"getCurrentPosition", "watchPosition"}},
	{Name: "navigator.clipboard", Category: CategoryMedia, Kind: KindObject, Behavior: Block, Methods: []string{"read", "readText", "write", "writeText"}},

	// Deferred scheduling would let callbacks outlive the terminal event.
	{Name: "setTimeout", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "setInterval", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "clearTimeout", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "clearInterval", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "requestAnimationFrame", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "cancelAnimationFrame", Category: CategoryScheduling, Kind: KindFunction, Behavior: NoOp},
	{Name: "Worker", Category: CategoryScheduling, Kind: KindFunction, Behavior: Block},
	{Name: "SharedWorker", Category: CategoryScheduling, Kind: KindFunction, Behavior: Block},

	// Dynamic evaluation bypasses instrumentation.
	{Name: "eval", Category: CategoryEvaluation, Kind: KindFunction, Behavior: Block},

	// Host module/process objects
	{Name: "require", Category: CategoryHost, Kind: KindProperty, Behavior: Remove},
	{Name: "process", Category: CategoryHost, Kind: KindProperty, Behavior: Remove},
	{Name: "module", Category: CategoryHost, Kind: KindProperty, Behavior: Remove},
	{Name: "exports", Category: CategoryHost, Kind: KindProperty, Behavior: Remove},
}

var index = func() map[string]Capability {
	m := make(map[string]Capability, len(Denylist))
	for _, c := range Denylist {
		m[c.Name] = c
	}
	return m
}()

// Lookup returns the entry for name.
func Lookup(name string) (Capability, bool) {
	c, ok := index[name]
	return c, ok
}

// ByCategory returns the entries in category, in table order.
func ByCategory(category Category) []Capability {
	var out []Capability
	for _, c := range Denylist {
		if c.Category == category {
			out = append(out, c)
		}
	}
	return out
}

// Table returns a copy of the denylist for display.
func Table() []Capability {
	out := make([]Capability, len(Denylist))
	copy(out, Denylist)
	return out
}
