// Package cristian implements the time estimate of Cristian's algorithm.
//
// A client records its local time when sending a request (sentAt) and when
// receiving the response (receivedAt). The response carries the remote's
// time at the instant it handled the request (remoteTime). Assuming the
// network delay is the same in both directions, the remote's time at
// receivedAt is remoteTime plus half the round trip.
package cristian

import (
	"time"
)

// Sample is the record of a single request/response exchange.
type Sample struct {
	SentAt     time.Time
	RemoteTime time.Time
	ReceivedAt time.Time
}

func (s Sample) RoundTrip() time.Duration {
	return s.ReceivedAt.Sub(s.SentAt)
}

func (s Sample) Estimate() (estimated time.Time, rtt time.Duration) {
	return Estimate(s.SentAt, s.RemoteTime, s.ReceivedAt)
}

// NetworkDelay returns the one-way delay implied by rtt.
func NetworkDelay(rtt time.Duration) time.Duration {
	return rtt / 2
}

// Estimate returns the estimated true time at receivedAt and the round trip
// time. Negative or implausibly large round trips are not rejected.
func Estimate(sentAt, remoteTime, receivedAt time.Time) (
	estimated time.Time, rtt time.Duration) {
	rtt = receivedAt.Sub(sentAt)
	estimated = remoteTime.Add(NetworkDelay(rtt))
	return
}
