// Package data provides the finalization proposal types exchanged by committee members.
// This package implements:
// - Unvalidated proposals as decoded from untrusted peers
// - Bounds validation against session boundaries
// - Proposal status classification against local chain state
package data
