// Package types defines the core data structures shared by the forky
// conversation graph, the merge engine and the storage backends.
// These types are serialized as-is into persisted graph records and into the
// JSON contracts exchanged with the completion provider.
package types

// Role identifies the author of a conversation message.
type Role string

// NodeType distinguishes ordinary messages from merge results.
type NodeType string

// Role constants
const (
	// RoleUser marks a message written by the user
	RoleUser Role = "user"

	// RoleAssistant marks a message produced by the completion provider
	RoleAssistant Role = "assistant"

	// RoleSystem marks structural nodes (root, fork markers, merge nodes)
	// and synthetic context injected into prompts
	RoleSystem Role = "system"
)

// Node type constants
const (
	// NodeTypeMessage is a normal conversation node with zero or one parent
	NodeTypeMessage NodeType = "message"

	// NodeTypeMerge is a node with exactly two parents produced by a merge
	NodeTypeMerge NodeType = "merge"
)

// ValidRoles is a slice of all valid message roles for validation
var ValidRoles = []Role{RoleUser, RoleAssistant, RoleSystem}

// IsValidRole checks if the given role is one of the known roles.
func IsValidRole(r Role) bool {
	for _, valid := range ValidRoles {
		if r == valid {
			return true
		}
	}
	return false
}

// IsValidNodeType checks if the given node type is known.
// Empty string is not valid; callers default it to NodeTypeMessage.
func IsValidNodeType(t NodeType) bool {
	return t == NodeTypeMessage || t == NodeTypeMerge
}

// IsConversational reports whether messages of this role take part in the
// user/assistant dialogue (as opposed to structural system nodes).
func (r Role) IsConversational() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single {role, content} pair as sent to the completion provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
