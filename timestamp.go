package remittance

import (
	"time"
)

// UnixMillis is a timestamp in milliseconds since the unix epoch.
type UnixMillis int64

func Now() UnixMillis {
	return UnixMillis(time.Now().UnixMilli())
}

func ConvertToUnixMillis(t time.Time) UnixMillis {
	return UnixMillis(t.UnixMilli())
}

func (t UnixMillis) Add(d time.Duration) UnixMillis {
	return t + UnixMillis(d.Milliseconds())
}

func (t UnixMillis) Before(other UnixMillis) bool {
	return t < other
}

func (t UnixMillis) String() string {
	return time.UnixMilli(int64(t)).UTC().Format(time.RFC3339)
}
