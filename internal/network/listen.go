package network

import "net"

// ReuseAddrListenConfig returns a ListenConfig that sets SO_REUSEADDR before
// binding, so a restarted process can take its TCP port back at once.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: reuseAddrControl}
}
