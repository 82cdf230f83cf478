// Package prompts contains the instructions parley sends to the model.
//
// Tests check that the system prompt names every tool the registry
// declares.
package prompts
