// Package settings loads the wearlink daemon's domain settings from YAML
// and distributes live changes.
//
// A Store holds the current Settings. Components subscribe to it and are
// called with the new value after every successful Update or Reload, so
// the HFP enabled flag, DNS servers and radio policy inputs can change
// without restarting the daemon.
package settings
