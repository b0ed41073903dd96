// Package chat keeps a collaborative session's timeline ordered and in sync.
//
// Messages reach a timeline from three places: the local participant's own
// input, the realtime feed of rows persisted by anyone in the session, and
// the token stream of an assistant completion. Each is normalized into a
// Message and merged by identity, so the displayed order converges to the
// store's order of (sequence_number, is_assistant_reply) no matter which
// source arrives first.
package chat
