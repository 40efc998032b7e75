package store

// Keys renders the Redis key and channel names shared by every server in a
// deployment. All names carry the same prefix so several deployments can
// share one Redis.
type Keys struct {
	Prefix string
}

func NewKeys(prefix string) Keys {
	return Keys{Prefix: prefix}
}

// Lease holds the owning server id of a user's presence lease.
func (k Keys) Lease(user string) string { return k.Prefix + "presence:" + user }

// LeasePattern matches every presence lease key.
func (k Keys) LeasePattern() string { return k.Prefix + "presence:*" }

// UserFromLease strips the lease prefix from a key returned by SCAN.
func (k Keys) UserFromLease(key string) string {
	return key[len(k.Lease("")):]
}

func (k Keys) KnownRooms() string { return k.Prefix + "rooms" }

func (k Keys) Room(name string) string { return k.Prefix + "room:" + name }

func (k Keys) Subscribers(publisher string) string { return k.Prefix + "subscribers:" + publisher }

func (k Keys) Subscriptions(subscriber string) string { return k.Prefix + "subscriptions:" + subscriber }

func (k Keys) Session(user string) string { return k.Prefix + "session:" + user }

// RoomChannel carries room_message events for one room.
func (k Keys) RoomChannel(room string) string { return k.Prefix + "room:" + room }

// NotifyChannel carries notify_message events for one publisher.
func (k Keys) NotifyChannel(publisher string) string { return k.Prefix + "notify:" + publisher }

func (k Keys) RoomChannelPattern() string { return k.Prefix + "room:*" }

func (k Keys) NotifyChannelPattern() string { return k.Prefix + "notify:*" }
