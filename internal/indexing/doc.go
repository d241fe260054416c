// Package indexing defines the core types, collaborator interfaces and the URL
// lifecycle state machine shared by every pipeline stage.
package indexing
