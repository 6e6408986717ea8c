package network

import (
	"net"
)

// LocalIP returns the address of the interface that would route off-host.
// Nothing is sent; connecting a UDP socket only selects a route. Falls back
// to loopback when no route exists.
func LocalIP() string {
	conn, err := net.Dial("udp4", "10.254.254.254:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

// AdvertiseAddr turns a listen address into one peers can dial: an
// unspecified host is replaced by LocalIP and the bound port is kept.
func AdvertiseAddr(listen net.Addr) string {
	host, port, err := net.SplitHostPort(listen.String())
	if err != nil {
		return listen.String()
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = LocalIP()
	}
	return net.JoinHostPort(host, port)
}
