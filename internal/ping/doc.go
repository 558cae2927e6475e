// Package ping owns the broadcast groups, their rotating provider channels and
// the sessions of logged-in devices.
//
// One mutex guards the topic map and the session store together. It is held
// only for in-memory work; every provider call runs later on the task engine
// against a snapshot taken under the lock. Membership work that fails is
// retried by scheduling a new Attempt value with a higher retry count, up to
// Config.MaxRetries, and then dropped with a log record.
package ping
