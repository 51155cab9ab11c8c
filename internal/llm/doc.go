// Package llm defines the provider-neutral contract used by the chat service
// to call large language models. Provider adapters live in sub-packages.
package llm
