// Package pyerror turns interpreter stderr into a category, a line number
// and a friendly explanation.
//
// Parse never discards text: unknown shapes come back as Unclassified with
// the raw message. Format renders a ParsedError for plain-text display.
package pyerror
