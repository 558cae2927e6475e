// Package push talks to the push delivery provider.
//
// Client is the capability the ping engine borrows: manage a device's channel
// (topic) memberships and send one message to a channel. FCM implements it
// against the Firebase Instance ID and legacy send endpoints; Memory is an
// in-process provider for tests and local runs.
package push
