// Package persistence stores wearlink runtime state that must survive
// daemon restarts.
//
// The state file records, per companion address, which sysproxy service
// config the detector settled on and the last iOS L2CAP parameters seen.
// Settings are not stored here; see the settings package.
package persistence
