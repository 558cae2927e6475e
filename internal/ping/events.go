package ping

// Payloads carried in eventbus.Event.Data.

type LoginEvent struct {
	Identity string `json:"identity"`
	DeviceID string `json:"device_id"`
	Replaced bool   `json:"replaced"`
}

type RefreshEvent struct {
	Identity string `json:"identity"`
	Accepted bool   `json:"accepted"`
}

type ExpiredEvent struct {
	Identity string `json:"identity"`
}

type RotationEvent struct {
	Groups    int      `json:"groups"`
	Expired   []string `json:"expired,omitempty"`
	Removals  int      `json:"removals"`
	Additions int      `json:"additions"`
	Forced    bool     `json:"forced"`
}

type PingEvent struct {
	Group string `json:"group"`
	Bytes int    `json:"bytes"`
	Error string `json:"error,omitempty"`
}

type MembershipEvent struct {
	Job      string `json:"job"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
