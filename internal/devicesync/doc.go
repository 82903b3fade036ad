// Package devicesync seeds the device status cache from the appliance.
//
// A sync run dials the appliance, logs in, runs one print command
// (default /interface/print) and turns every returned row into a status
// entry with source "sync". Runs are serialised, so the single-command
// protocol client is never used concurrently.
//
// The Syncer runs once at Start and then on every interval tick or
// Trigger call until its context is cancelled.
package devicesync
