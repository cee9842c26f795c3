// Package store persists the tracked account table in PostgreSQL so a
// relay restart resumes the sessions that were live before.
package store
