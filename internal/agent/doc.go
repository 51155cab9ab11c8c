// Package agent manages the agent catalogue: named personas with a system
// prompt and a preferred model that conversations are bound to.
package agent
