// Package stages records the progress of each uploaded receipt as a
// sequence of numbered stage checkpoints.
//
// Checkpoints are pure observability. [StoreRecorder] keeps them in
// the key-value store as a hash per file, which is what the files
// listing reads. [MQTTPublisher] pushes the same records to a broker
// as retained messages so a dashboard can follow a receipt live; it
// uses Eclipse Paho v2's [autopaho] package for connection management
// with automatic reconnection, and a will message flips the
// availability topic to "offline" on unexpected disconnects. [Multi]
// fans a checkpoint out to several recorders, and [Nop] discards it.
package stages
