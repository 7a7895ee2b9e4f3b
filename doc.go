// Package correlator contains a message correlation engine for BPMN
// process instances.
//
// Process instances throw ("send") and await ("receive") named messages,
// recorded as Message Instances in a durable store. The engine periodically
// pairs every ready send with the oldest ready receive whose correlation
// values match, or starts a new process instance from a message start event.
//
// Start from the `correlate` package for the Delivery Coordinator and its
// Runner, `correlation` for the correlation properties model, and `message`
// for the Message Instance store abstraction. Storage adapters live in
// `postgres`, `boltdb` and `firestore`.
package correlator
