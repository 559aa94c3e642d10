// Package mqtt owns the broker session and the polling loop that
// publishes RAID status for Home Assistant.
//
// The [Session] uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. It never touches
// connection state itself: its callbacks translate connacks,
// disconnects and inbound messages into [Event] values on a buffered
// channel. The [Scheduler] consumes that channel from the same
// goroutine that drives polling and applies each event to the
// [Machine], so every state transition happens on a single goroutine.
//
// The [Machine] tracks the Disconnected / Connected / Terminated
// connection state. On every successful connack it subscribes to its
// own availability topic, publishes discovery configs and a birth
// message ("online"), and asks the scheduler to poll soon. If the
// broker echoes anything other than "online" on the availability
// topic, the next cycle republishes it before polling. A will message
// ensures the availability topic transitions to "offline" on
// unexpected disconnects.
package mqtt
