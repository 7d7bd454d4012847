// Package prompts holds the text FluxMind sends to models: the study
// assistant persona, the scheduled session turn, and the strings used
// when a model answers with nothing.
package prompts
