// Package interfaces defines the core types and contracts for the space
// encryption gateway. It provides the data model shared between components
// (invocations, delegations, capabilities, space identifiers) and the
// interfaces that decouple the operation pipeline from its collaborators,
// without implementation details.
package interfaces
