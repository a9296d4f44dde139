package ssdp

import (
	"fmt"
	"net"
)

// InterfaceIPv4 returns the first non-loopback IPv4 address of the named
// interface along with its hardware address.
func InterfaceIPv4(name string) (net.IP, net.HardwareAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, fmt.Errorf("ssdp: interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, fmt.Errorf("ssdp: interface %s addresses: %w", name, err)
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, iface.HardwareAddr, nil
		}
	}
	return nil, nil, fmt.Errorf("ssdp: interface %s has no IPv4 address", name)
}
