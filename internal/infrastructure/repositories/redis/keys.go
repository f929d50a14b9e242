package redis

import "chanrelay/internal/core/domain"

// Keys builds every Redis key and pub/sub channel name under one prefix.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "chanrelay"
	}
	return Keys{prefix: prefix}
}

func (k Keys) Presence(channel domain.ChannelID) string {
	return k.prefix + ":presence:" + string(channel)
}

func (k Keys) Signal(id domain.SignalingID) string {
	return k.prefix + ":signal:" + string(id)
}

// Initiators is the reserved hash mapping signaling id to the offering connection.
func (k Keys) Initiators() string {
	return k.prefix + ":signal:initiators"
}

func (k Keys) Bus(channel domain.ChannelID) string {
	return k.prefix + ":bus:" + string(channel)
}

// BusChannel reverses Bus. ok is false for names outside the prefix.
func (k Keys) BusChannel(name string) (domain.ChannelID, bool) {
	p := k.prefix + ":bus:"
	if len(name) < len(p) || name[:len(p)] != p {
		return "", false
	}
	return domain.ChannelID(name[len(p):]), true
}

func (k Keys) SchemaVersion() string {
	return k.prefix + ":schema:version"
}
