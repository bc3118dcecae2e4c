// Package presence answers "is user X online" and "has anything in user X's
// conversations changed" cheaply enough to be polled.
//
// Online status is a hybrid: an in-process map of last-ping times (sharded, monotonic
// per key) backed by a persisted last-activity timestamp that is read at most once per
// grace period per key. Store failures degrade to memory-only answers.
//
// Change detection is a fingerprint over one aggregate query, served as an ETag so
// unchanged polls cost a 304.
package presence
